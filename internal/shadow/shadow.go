package shadow

import (
	"context"
	"errors"
	"sync"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/oshokin/fleet-ota/internal/retry"
)

// Boundary is the shadow service contract. Documents hold the reported state.
type Boundary interface {
	GetShadow(ctx context.Context, deviceID string) (*structpb.Struct, error)
	// UpdateShadow merges patch into the reported state; null values delete keys.
	UpdateShadow(ctx context.Context, deviceID string, patch *structpb.Struct) error
}

var (
	// ErrShadowNotFound is returned when a device has no shadow yet.
	ErrShadowNotFound = errors.New("shadow not found")
	// ErrShadowRejected is returned when the shadow service rejects a request.
	ErrShadowRejected = errors.New("shadow request rejected")
)

// MemoryShadows is an in-process shadow service.
type MemoryShadows struct {
	documents   map[string]*structpb.Struct
	failUpdates int
	mu          sync.Mutex
}

// NewMemoryShadows creates an empty shadow service.
func NewMemoryShadows() *MemoryShadows {
	return &MemoryShadows{documents: make(map[string]*structpb.Struct)}
}

// GetShadow returns a copy of the reported state.
func (m *MemoryShadows) GetShadow(_ context.Context, deviceID string) (*structpb.Struct, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	doc, ok := m.documents[deviceID]
	if !ok {
		return nil, ErrShadowNotFound
	}

	return proto.Clone(doc).(*structpb.Struct), nil //nolint:forcetypeassert // Clone keeps the message type.
}

// UpdateShadow merges patch into the stored document.
func (m *MemoryShadows) UpdateShadow(_ context.Context, deviceID string, patch *structpb.Struct) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failUpdates > 0 {
		m.failUpdates--

		return retry.Transient(ErrNotConnected)
	}

	doc, ok := m.documents[deviceID]
	if !ok {
		doc = &structpb.Struct{Fields: make(map[string]*structpb.Value)}
		m.documents[deviceID] = doc
	}

	merge(doc, patch)

	return nil
}

// FailNextUpdates makes the next n updates fail with a transient error.
func (m *MemoryShadows) FailNextUpdates(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.failUpdates = n
}

// merge applies a JSON merge patch of structs.
func merge(dst, patch *structpb.Struct) {
	if dst.Fields == nil {
		dst.Fields = make(map[string]*structpb.Value)
	}

	for key, value := range patch.GetFields() {
		if _, isNull := value.GetKind().(*structpb.Value_NullValue); isNull {
			delete(dst.Fields, key)

			continue
		}

		nested := value.GetStructValue()
		existing := dst.Fields[key].GetStructValue()

		if nested != nil && existing != nil {
			merge(existing, nested)

			continue
		}

		dst.Fields[key] = proto.Clone(value).(*structpb.Value) //nolint:forcetypeassert // Clone keeps the message type.
	}
}
