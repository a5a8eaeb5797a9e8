// Package stack is the boundary between the address space logic and an OPC UA
// protocol implementation. The synchronization code only talks to Server; the
// memstack and gopcuastack subpackages provide the implementations.
package stack

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/c360/semstreams-opcua/opcua/security"
	"github.com/c360/semstreams-opcua/pkg/tlsutil"
)

// ObjectsFolderID stands for the standard Objects folder, ns=0;i=85.
var ObjectsFolderID = NodeID{Namespace: 0, ID: "Objects"}

// NodeID is a string node identifier within a namespace.
type NodeID struct {
	Namespace uint16
	ID        string
}

func (n NodeID) String() string {
	if n == ObjectsFolderID {
		return "i=85"
	}
	return fmt.Sprintf("ns=%d;s=%s", n.Namespace, n.ID)
}

// NodeClass distinguishes the kinds of nodes the bridge creates.
type NodeClass int

const (
	ClassFolder NodeClass = iota + 1
	ClassObject
	ClassVariable
)

func (c NodeClass) String() string {
	switch c {
	case ClassFolder:
		return "folder"
	case ClassObject:
		return "object"
	case ClassVariable:
		return "variable"
	default:
		return "unknown"
	}
}

// Handle refers to a node created through a Server.
type Handle struct {
	ID    NodeID
	Class NodeClass
}

// Valid reports whether h refers to a node.
func (h Handle) Valid() bool {
	return h.Class != 0
}

// Server is the subset of an OPC UA server used by the bridge. Adding a node
// whose identifier already exists with the same class returns the existing
// handle; with a different class it fails with errors.ErrNodeConflict.
type Server interface {
	RegisterNamespace(ctx context.Context, uri string) (uint16, error)
	ObjectsFolder() Handle
	AddFolder(ctx context.Context, parent Handle, id NodeID, name string) (Handle, error)
	AddObject(ctx context.Context, parent Handle, id NodeID, name string) (Handle, error)
	AddVariable(ctx context.Context, parent Handle, id NodeID, name string, value any) (Handle, error)
	WriteValue(ctx context.Context, h Handle, value any, ts time.Time) error
	Start(ctx context.Context) error
	Close() error
}

// Gatekeeper admits or rejects connection attempts. security.Manager
// implements it.
type Gatekeeper interface {
	Admit(req security.ConnectRequest) (security.Role, error)
}

// Options configures a Server implementation.
type Options struct {
	EndpointURL    string
	ServerName     string
	ApplicationURI string
	Policies       []security.Policy
	AuthModes      []security.AuthMode
	KeyPair        *tlsutil.KeyPair
	Gatekeeper     Gatekeeper
	Logger         *slog.Logger
}
