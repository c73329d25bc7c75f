package moqsession

import (
	"context"
	"fmt"
	"sync"

	"github.com/quic-go/webtransport-go"

	"github.com/kestrel-av/roomcall/internal/publish"
)

// streamKey identifies one open subgroup stream.
type streamKey struct {
	alias, group, subgroup uint64
}

// Transport adapts a Controller's session into publish.Transport: it
// opens one uni-stream per (alias, group, subgroup), writing the
// SUBGROUP_STREAM_HEADER on first use and reusing the stream for
// subsequent objects in the same subgroup. Streams are per subgroup
// since a new MoQT group requires a new stream.
type Transport struct {
	ctrl *Controller

	mu         sync.Mutex
	streams    map[streamKey]*webtransport.SendStream
	priorities map[uint64]byte
}

// NewTransport wraps ctrl as a publish.Transport.
func NewTransport(ctrl *Controller) *Transport {
	return &Transport{
		ctrl:       ctrl,
		streams:    make(map[streamKey]*webtransport.SendStream),
		priorities: make(map[uint64]byte),
	}
}

// SetPriority records the MoQT publisher priority to use for alias's
// subgroup streams: the media controller calls this once per newly
// granted alias, keyed by the role the alias was granted for.
func (t *Transport) SetPriority(alias uint64, priority byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.priorities[alias] = priority
}

var _ publish.Transport = (*Transport)(nil)

func (t *Transport) SendSubgroupHeader(ctx context.Context, alias, group, subgroup uint64) error {
	key := streamKey{alias, group, subgroup}

	t.mu.Lock()
	_, exists := t.streams[key]
	t.mu.Unlock()
	if exists {
		return nil
	}

	stream, err := t.ctrl.OpenSubgroupStream(ctx, alias, group, subgroup, t.priorityForAlias(alias))
	if err != nil {
		return fmt.Errorf("moqsession: open subgroup stream: %w", err)
	}

	t.mu.Lock()
	t.streams[key] = stream
	t.mu.Unlock()
	return nil
}

func (t *Transport) SendSubgroupObject(ctx context.Context, alias, group, subgroup, object uint64, status publish.ObjectStatus, locHeader, payload []byte) error {
	key := streamKey{alias, group, subgroup}

	t.mu.Lock()
	stream, ok := t.streams[key]
	t.mu.Unlock()
	if !ok {
		if err := t.SendSubgroupHeader(ctx, alias, group, subgroup); err != nil {
			return err
		}
		t.mu.Lock()
		stream = t.streams[key]
		t.mu.Unlock()
	}

	if err := WriteSubgroupObject(stream, object, payload, uint8(status), locHeader); err != nil {
		return fmt.Errorf("moqsession: write subgroup object: %w", err)
	}

	if status == publish.ObjectStatusEndOfGroup {
		t.mu.Lock()
		delete(t.streams, key)
		t.mu.Unlock()
		_ = stream.Close()
	}
	return nil
}

// defaultPriority is used for any alias SetPriority was never called
// for.
const defaultPriority byte = 128

func (t *Transport) priorityForAlias(alias uint64) byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.priorities[alias]; ok {
		return p
	}
	return defaultPriority
}
