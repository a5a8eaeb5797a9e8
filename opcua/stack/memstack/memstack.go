// Package memstack is an in-process OPC UA address space. It keeps the node
// tree, values and namespace table in memory and admits simulated client
// sessions through the same Gatekeeper as a networked server. It backs the
// "memory" stack option and the package tests.
package memstack

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/c360/semstreams-opcua/errors"
	"github.com/c360/semstreams-opcua/opcua/security"
	"github.com/c360/semstreams-opcua/opcua/stack"
)

// StandardNamespace is namespace 0.
const StandardNamespace = "http://opcfoundation.org/UA/"

// DataValue is the value attribute of a variable as seen by a client.
type DataValue struct {
	Value           any
	SourceTimestamp time.Time
	ServerTimestamp time.Time
}

// Reference is a forward hierarchical reference returned by Browse.
type Reference struct {
	ID    stack.NodeID
	Name  string
	Class stack.NodeClass
}

type node struct {
	id       stack.NodeID
	class    stack.NodeClass
	name     string
	parent   stack.NodeID
	children []stack.NodeID
	value    DataValue
}

// Server implements stack.Server in memory. It is safe for concurrent use.
type Server struct {
	opts   stack.Options
	logger *slog.Logger
	now    func() time.Time

	mu         sync.RWMutex
	namespaces []string
	nodes      map[stack.NodeID]*node
	started    bool
	closed     bool
	sessions   int
}

var _ stack.Server = (*Server)(nil)

// New creates an empty address space containing only the Objects folder.
func New(opts stack.Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		opts:       opts,
		logger:     logger.With("stack", "memory"),
		now:        time.Now,
		namespaces: []string{StandardNamespace},
		nodes:      make(map[stack.NodeID]*node),
	}
	s.nodes[stack.ObjectsFolderID] = &node{id: stack.ObjectsFolderID, class: stack.ClassFolder, name: "Objects"}
	return s
}

func (s *Server) RegisterNamespace(ctx context.Context, uri string) (uint16, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, errors.ErrShuttingDown
	}
	for i, ns := range s.namespaces {
		if ns == uri {
			return uint16(i), nil
		}
	}
	s.namespaces = append(s.namespaces, uri)
	return uint16(len(s.namespaces) - 1), nil
}

// Namespaces returns the namespace table.
func (s *Server) Namespaces() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.namespaces...)
}

func (s *Server) ObjectsFolder() stack.Handle {
	return stack.Handle{ID: stack.ObjectsFolderID, Class: stack.ClassFolder}
}

func (s *Server) AddFolder(ctx context.Context, parent stack.Handle, id stack.NodeID, name string) (stack.Handle, error) {
	return s.add(ctx, parent, id, name, stack.ClassFolder, nil)
}

func (s *Server) AddObject(ctx context.Context, parent stack.Handle, id stack.NodeID, name string) (stack.Handle, error) {
	return s.add(ctx, parent, id, name, stack.ClassObject, nil)
}

func (s *Server) AddVariable(ctx context.Context, parent stack.Handle, id stack.NodeID, name string, value any) (stack.Handle, error) {
	if value == nil {
		return stack.Handle{}, fmt.Errorf("%w: variable %s needs an initial value", errors.ErrInvalidData, id)
	}
	return s.add(ctx, parent, id, name, stack.ClassVariable, value)
}

func (s *Server) add(ctx context.Context, parent stack.Handle, id stack.NodeID, name string, class stack.NodeClass, value any) (stack.Handle, error) {
	if err := ctx.Err(); err != nil {
		return stack.Handle{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return stack.Handle{}, errors.ErrShuttingDown
	}
	if int(id.Namespace) >= len(s.namespaces) {
		return stack.Handle{}, fmt.Errorf("%w: namespace %d is not registered", errors.ErrInvalidData, id.Namespace)
	}
	p, ok := s.nodes[parent.ID]
	if !ok {
		return stack.Handle{}, fmt.Errorf("%w: parent %s does not exist", errors.ErrInvalidData, parent.ID)
	}
	if existing, ok := s.nodes[id]; ok {
		if existing.class != class {
			return stack.Handle{}, fmt.Errorf("%w: %s exists as %s, wanted %s", errors.ErrNodeConflict, id, existing.class, class)
		}
		return stack.Handle{ID: id, Class: class}, nil
	}

	n := &node{id: id, class: class, name: name, parent: parent.ID}
	if class == stack.ClassVariable {
		now := s.now()
		n.value = DataValue{Value: value, SourceTimestamp: now, ServerTimestamp: now}
	}
	s.nodes[id] = n
	p.children = append(p.children, id)
	return stack.Handle{ID: id, Class: class}, nil
}

func (s *Server) WriteValue(ctx context.Context, h stack.Handle, value any, ts time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.ErrShuttingDown
	}
	n, ok := s.nodes[h.ID]
	if !ok || n.class != stack.ClassVariable {
		return fmt.Errorf("%w: %s is not a variable", errors.ErrInvalidData, h.ID)
	}
	if reflect.TypeOf(n.value.Value) != reflect.TypeOf(value) {
		return fmt.Errorf("%w: %s holds %T, got %T", errors.ErrTypeMismatch, h.ID, n.value.Value, value)
	}
	n.value = DataValue{Value: value, SourceTimestamp: ts, ServerTimestamp: s.now()}
	return nil
}

func (s *Server) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.ErrShuttingDown
	}
	if s.started {
		return errors.ErrAlreadyStarted
	}
	s.started = true
	s.logger.Info("In-memory OPC UA server started",
		"endpoint", s.opts.EndpointURL,
		"server_name", s.opts.ServerName,
		"policies", len(s.opts.Policies))
	return nil
}

func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.logger.Info("In-memory OPC UA server closed", "nodes", len(s.nodes), "sessions", s.sessions)
	return nil
}

// Read returns the value of a variable.
func (s *Server) Read(id stack.NodeID) (DataValue, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[id]
	if !ok {
		return DataValue{}, fmt.Errorf("%w: unknown node %s", errors.ErrInvalidData, id)
	}
	if n.class != stack.ClassVariable {
		return DataValue{}, fmt.Errorf("%w: %s is a %s", errors.ErrInvalidData, id, n.class)
	}
	return n.value, nil
}

// Browse lists the children of a node ordered by browse name.
func (s *Server) Browse(id stack.NodeID) ([]Reference, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[id]
	if !ok {
		return nil, fmt.Errorf("%w: unknown node %s", errors.ErrInvalidData, id)
	}
	refs := make([]Reference, 0, len(n.children))
	for _, cid := range n.children {
		c := s.nodes[cid]
		refs = append(refs, Reference{ID: c.id, Name: c.name, Class: c.class})
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].Name < refs[j].Name })
	return refs, nil
}

// NodeCount returns the number of nodes, including the Objects folder.
func (s *Server) NodeCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.nodes)
}

// Session is an admitted client connection.
type Session struct {
	server *Server
	Role   security.Role
}

// Connect simulates a client connection attempt. The request passes through
// the configured Gatekeeper; without one every request is admitted as a
// plain user.
func (s *Server) Connect(req security.ConnectRequest) (*Session, error) {
	s.mu.RLock()
	running := s.started && !s.closed
	s.mu.RUnlock()
	if !running {
		return nil, errors.ErrNotStarted
	}

	role := security.RoleUser
	if s.opts.Gatekeeper != nil {
		var err error
		if role, err = s.opts.Gatekeeper.Admit(req); err != nil {
			return nil, err
		}
	}

	s.mu.Lock()
	s.sessions++
	s.mu.Unlock()
	return &Session{server: s, Role: role}, nil
}

// Read reads a variable within the session.
func (ss *Session) Read(id stack.NodeID) (DataValue, error) {
	return ss.server.Read(id)
}

// Browse browses within the session.
func (ss *Session) Browse(id stack.NodeID) ([]Reference, error) {
	return ss.server.Browse(id)
}
