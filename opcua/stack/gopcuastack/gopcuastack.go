// Package gopcuastack implements stack.Server on top of the gopcua server.
//
// The gopcua server has no hook for validating client certificates or user
// identity tokens, so a stack.Gatekeeper cannot be enforced on its sessions.
// New therefore only accepts the unsecured None policy with anonymous
// sessions; use the memory stack, or a gateway in front of this server, when
// peers must be checked.
package gopcuastack

import (
	"context"
	"crypto/x509"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gopcua/opcua/id"
	"github.com/gopcua/opcua/server"
	"github.com/gopcua/opcua/server/attrs"
	"github.com/gopcua/opcua/ua"

	"github.com/c360/semstreams-opcua/errors"
	"github.com/c360/semstreams-opcua/opcua/security"
	"github.com/c360/semstreams-opcua/opcua/stack"
)

// ProductName is advertised in the server build info.
const ProductName = "semstreams OPC UA bridge"

type entry struct {
	node  *server.Node
	class stack.NodeClass

	// Variables only.
	typ   ua.TypeID
	value *atomic.Pointer[ua.DataValue]
}

// Server adapts a gopcua server to stack.Server.
type Server struct {
	opts   stack.Options
	logger *slog.Logger
	srv    *server.Server
	appURI string

	mu      sync.Mutex
	spaces  map[uint16]*server.NodeNameSpace
	uris    map[string]uint16
	nodes   map[stack.NodeID]entry
	objects *server.Node
	running bool
	closed  bool
	cancel  context.CancelFunc
}

var _ stack.Server = (*Server)(nil)

// CheckSecurity reports the settings this stack cannot enforce. Secure
// policies would accept any client certificate and non-anonymous tokens
// would be accepted without verification, so both are refused.
func CheckSecurity(policies []security.Policy, modes []security.AuthMode) error {
	var refused []string
	for _, p := range policies {
		if p.Secure() {
			refused = append(refused, "policy "+p.String())
		}
	}
	for _, m := range modes {
		if m != security.AuthAnonymous {
			refused = append(refused, m.String()+" authentication")
		}
	}
	if len(refused) == 0 {
		return nil
	}
	return fmt.Errorf("%w: the gopcua stack cannot verify peers or identity tokens, refusing %s",
		errors.ErrInvalidConfig, strings.Join(refused, ", "))
}

// New builds the gopcua server from opts. The listener is opened by Start.
// Configurations that rely on opts.Gatekeeper to check peers are rejected
// with a fatal error instead of being served unchecked.
func New(opts stack.Options) (*Server, error) {
	host, port, err := SplitEndpoint(opts.EndpointURL)
	if err != nil {
		return nil, errors.WrapFatal(err, "gopcuastack", "New", "parse endpoint")
	}
	if err := CheckSecurity(opts.Policies, opts.AuthModes); err != nil {
		return nil, errors.WrapFatal(err, "gopcuastack", "New", "security check")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("stack", "gopcua", "endpoint", opts.EndpointURL)

	sopts := []server.Option{
		server.SetLogger(printfLogger{logger}),
		server.ServerName(opts.ServerName),
		server.ProductName(ProductName),
	}
	if len(opts.Policies) == 0 {
		sopts = append(sopts, server.EnableSecurity(security.PolicyNone, ua.MessageSecurityModeNone))
	}
	for _, p := range opts.Policies {
		sopts = append(sopts, server.EnableSecurity(p.Name, messageMode(p.Mode)))
	}
	sopts = append(sopts, server.EnableAuthMode(ua.UserTokenTypeAnonymous))
	sopts = append(sopts, server.EndPoint(host, port))

	// gopcua takes the application URI from the certificate.
	var appURI string
	if opts.KeyPair != nil {
		sopts = append(sopts, server.PrivateKey(opts.KeyPair.Key), server.Certificate(opts.KeyPair.DER))
		appURI = certificateURI(opts.KeyPair.DER)
		if opts.ApplicationURI != "" && appURI != opts.ApplicationURI {
			logger.Warn("Application URI differs from the server certificate, advertising the certificate URI",
				"configured", opts.ApplicationURI, "certificate", appURI)
		}
	} else if opts.ApplicationURI != "" {
		logger.Info("No server certificate, endpoints advertise an empty application URI",
			"configured", opts.ApplicationURI)
	}

	srv := server.New(sopts...)
	root, err := srv.Namespace(0)
	if err != nil {
		return nil, errors.WrapFatal(err, "gopcuastack", "New", "open standard namespace")
	}
	objects := root.Objects()
	if objects == nil {
		return nil, errors.WrapFatal(fmt.Errorf("%w: standard namespace has no Objects folder", errors.ErrInvalidData),
			"gopcuastack", "New", "resolve Objects folder")
	}

	return &Server{
		opts:    opts,
		logger:  logger,
		srv:     srv,
		appURI:  appURI,
		spaces:  make(map[uint16]*server.NodeNameSpace),
		uris:    make(map[string]uint16),
		nodes:   make(map[stack.NodeID]entry),
		objects: objects,
	}, nil
}

// ApplicationURI returns the URI the endpoints advertise.
func (s *Server) ApplicationURI() string {
	return s.appURI
}

func certificateURI(der []byte) string {
	cert, err := x509.ParseCertificate(der)
	if err != nil || len(cert.URIs) == 0 {
		return ""
	}
	return cert.URIs[0].String()
}

// SplitEndpoint extracts host and port from an opc.tcp URL.
func SplitEndpoint(endpoint string) (string, int, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", 0, err
	}
	if u.Scheme != "opc.tcp" {
		return "", 0, fmt.Errorf("endpoint %q: scheme must be opc.tcp", endpoint)
	}
	host, portStr, err := net.SplitHostPort(u.Host)
	if err != nil {
		return "", 0, fmt.Errorf("endpoint %q: %w", endpoint, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return "", 0, fmt.Errorf("endpoint %q: invalid port", endpoint)
	}
	return host, port, nil
}

func messageMode(m security.MessageMode) ua.MessageSecurityMode {
	switch m {
	case security.ModeSign:
		return ua.MessageSecurityModeSign
	case security.ModeSignAndEncrypt:
		return ua.MessageSecurityModeSignAndEncrypt
	default:
		return ua.MessageSecurityModeNone
	}
}

// printfLogger adapts slog to the printf-style messages of the gopcua server.
type printfLogger struct {
	l *slog.Logger
}

func (p printfLogger) Debug(msg string, args ...any) { p.l.Debug(fmt.Sprintf(msg, args...)) }
func (p printfLogger) Info(msg string, args ...any)  { p.l.Info(fmt.Sprintf(msg, args...)) }
func (p printfLogger) Warn(msg string, args ...any)  { p.l.Warn(fmt.Sprintf(msg, args...)) }
func (p printfLogger) Error(msg string, args ...any) { p.l.Error(fmt.Sprintf(msg, args...)) }

func (s *Server) RegisterNamespace(ctx context.Context, uri string) (uint16, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, errors.ErrShuttingDown
	}
	if idx, ok := s.uris[uri]; ok {
		return idx, nil
	}
	ns := server.NewNodeNameSpace(s.srv, uri)
	s.spaces[ns.ID()] = ns
	s.uris[uri] = ns.ID()
	s.logger.Debug("Registered namespace", "uri", uri, "index", ns.ID())
	return ns.ID(), nil
}

func (s *Server) ObjectsFolder() stack.Handle {
	return stack.Handle{ID: stack.ObjectsFolderID, Class: stack.ClassFolder}
}

func (s *Server) AddFolder(ctx context.Context, parent stack.Handle, nid stack.NodeID, name string) (stack.Handle, error) {
	return s.add(ctx, parent, nid, stack.ClassFolder, func(uid *ua.NodeID) entry {
		return entry{node: objectNode(uid, name, id.FolderType), class: stack.ClassFolder}
	})
}

func (s *Server) AddObject(ctx context.Context, parent stack.Handle, nid stack.NodeID, name string) (stack.Handle, error) {
	return s.add(ctx, parent, nid, stack.ClassObject, func(uid *ua.NodeID) entry {
		return entry{node: objectNode(uid, name, id.BaseObjectType), class: stack.ClassObject}
	})
}

func (s *Server) AddVariable(ctx context.Context, parent stack.Handle, nid stack.NodeID, name string, value any) (stack.Handle, error) {
	v, err := ua.NewVariant(value)
	if err != nil {
		return stack.Handle{}, fmt.Errorf("%w: %s: %v", errors.ErrTypeMismatch, nid, err)
	}
	return s.add(ctx, parent, nid, stack.ClassVariable, func(uid *ua.NodeID) entry {
		cur := new(atomic.Pointer[ua.DataValue])
		cur.Store(dataValue(v, time.Now()))
		return entry{
			node:  variableNode(uid, name, v.Type(), cur.Load),
			class: stack.ClassVariable,
			typ:   v.Type(),
			value: cur,
		}
	})
}

func baseAttributes(class ua.NodeClass, name string) server.Attributes {
	return server.Attributes{
		ua.AttributeIDNodeClass:   server.DataValueFromValue(uint32(class)),
		ua.AttributeIDBrowseName:  server.DataValueFromValue(attrs.BrowseName(name)),
		ua.AttributeIDDisplayName: server.DataValueFromValue(attrs.DisplayName(name, "")),
	}
}

func typeDefinition(typeID uint32, class ua.NodeClass) *ua.ReferenceDescription {
	return &ua.ReferenceDescription{
		ReferenceTypeID: ua.NewNumericNodeID(0, id.HasTypeDefinition),
		IsForward:       true,
		NodeID:          ua.NewNumericExpandedNodeID(0, typeID),
		BrowseName:      &ua.QualifiedName{},
		DisplayName:     &ua.LocalizedText{},
		NodeClass:       class,
		TypeDefinition:  ua.NewNumericExpandedNodeID(0, typeID),
	}
}

// objectNode builds an object of the given type definition. NodeClass is
// stored as uint32, the only integer form the gopcua variant accepts.
func objectNode(uid *ua.NodeID, name string, typeID uint32) *server.Node {
	a := baseAttributes(ua.NodeClassObject, name)
	a[ua.AttributeIDEventNotifier] = server.DataValueFromValue(byte(0))
	return server.NewNode(uid, a, server.References{typeDefinition(typeID, ua.NodeClassObjectType)}, nil)
}

// variableNode builds a read-only variable whose value is produced by val.
func variableNode(uid *ua.NodeID, name string, typ ua.TypeID, val server.ValueFunc) *server.Node {
	a := baseAttributes(ua.NodeClassVariable, name)
	a[ua.AttributeIDDataType] = server.DataValueFromValue(ua.NewNumericExpandedNodeID(0, uint32(typ)))
	a[ua.AttributeIDValueRank] = server.DataValueFromValue(int32(-1))
	a[ua.AttributeIDAccessLevel] = server.DataValueFromValue(byte(ua.AccessLevelTypeCurrentRead))
	a[ua.AttributeIDUserAccessLevel] = server.DataValueFromValue(byte(ua.AccessLevelTypeCurrentRead))
	return server.NewNode(uid, a, server.References{typeDefinition(id.BaseDataVariableType, ua.NodeClassVariableType)}, val)
}

func dataValue(v *ua.Variant, ts time.Time) *ua.DataValue {
	return &ua.DataValue{
		EncodingMask:    ua.DataValueValue | ua.DataValueSourceTimestamp | ua.DataValueServerTimestamp,
		Value:           v,
		SourceTimestamp: ts,
		ServerTimestamp: time.Now(),
	}
}

func (s *Server) add(ctx context.Context, parent stack.Handle, nid stack.NodeID, class stack.NodeClass, build func(*ua.NodeID) entry) (stack.Handle, error) {
	if err := ctx.Err(); err != nil {
		return stack.Handle{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return stack.Handle{}, errors.ErrShuttingDown
	}
	if existing, ok := s.nodes[nid]; ok {
		if existing.class != class {
			return stack.Handle{}, fmt.Errorf("%w: %s exists as %s, wanted %s", errors.ErrNodeConflict, nid, existing.class, class)
		}
		return stack.Handle{ID: nid, Class: class}, nil
	}
	ns, ok := s.spaces[nid.Namespace]
	if !ok {
		return stack.Handle{}, fmt.Errorf("%w: namespace %d is not registered", errors.ErrInvalidData, nid.Namespace)
	}
	parentNode, err := s.lookup(parent)
	if err != nil {
		return stack.Handle{}, err
	}

	e := build(ua.NewStringNodeID(nid.Namespace, nid.ID))
	e.node = ns.AddNode(e.node)
	if class == stack.ClassVariable {
		parentNode.AddRef(e.node, id.HasComponent, true)
	} else {
		parentNode.AddRef(e.node, id.Organizes, true)
	}
	s.nodes[nid] = e
	return stack.Handle{ID: nid, Class: class}, nil
}

func (s *Server) lookup(h stack.Handle) (*server.Node, error) {
	if h.ID == stack.ObjectsFolderID {
		return s.objects, nil
	}
	e, ok := s.nodes[h.ID]
	if !ok {
		return nil, fmt.Errorf("%w: node %s does not exist", errors.ErrInvalidData, h.ID)
	}
	return e.node, nil
}

// WriteValue replaces the value served for h. Monitored items are notified
// only while the server runs; before Start the value is just stored.
func (s *Server) WriteValue(ctx context.Context, h stack.Handle, value any, ts time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	v, err := ua.NewVariant(value)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", errors.ErrTypeMismatch, h.ID, err)
	}

	s.mu.Lock()
	e, known := s.nodes[h.ID]
	running, closed := s.running, s.closed
	s.mu.Unlock()
	if closed {
		return errors.ErrShuttingDown
	}
	if !known || e.class != stack.ClassVariable {
		return fmt.Errorf("%w: %s is not a variable", errors.ErrInvalidData, h.ID)
	}
	if v.Type() != e.typ {
		return fmt.Errorf("%w: %s holds %s, got %s", errors.ErrTypeMismatch, h.ID, e.typ, v.Type())
	}

	e.value.Store(dataValue(v, ts))
	if running {
		s.srv.ChangeNotification(e.node.ID())
	}
	return nil
}

// Read returns the value currently served for nid. It is meant for
// diagnostics and tests; clients read through the OPC UA endpoint.
func (s *Server) Read(nid stack.NodeID) (*ua.DataValue, error) {
	s.mu.Lock()
	e, ok := s.nodes[nid]
	s.mu.Unlock()
	if !ok || e.class != stack.ClassVariable {
		return nil, fmt.Errorf("%w: %s is not a variable", errors.ErrInvalidData, nid)
	}
	return e.value.Load(), nil
}

// Start opens the listener. The server keeps serving after ctx ends and
// stops on Close.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.ErrShuttingDown
	}
	if s.running {
		return errors.ErrAlreadyStarted
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	if err := s.srv.Start(runCtx); err != nil {
		cancel()
		return errors.WrapTransient(err, "gopcuastack", "Start", "open listener")
	}
	s.running = true
	s.cancel = cancel
	s.logger.Info("OPC UA server listening",
		"server_name", s.opts.ServerName,
		"application_uri", s.appURI,
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
	if !s.running {
		return nil
	}
	s.running = false
	err := s.srv.Close()
	s.cancel()
	if err != nil {
		return errors.Wrap(err, "gopcuastack", "Close", "close server")
	}
	s.logger.Info("OPC UA server closed", "nodes", len(s.nodes))
	return nil
}
