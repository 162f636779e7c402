package vcam

import (
	"context"
	"errors"
	"strings"
	"testing"
)

// recordingStore captures the order of mutations for contract tests.
type recordingStore struct {
	ops    []string
	values map[string]string
	failOn string
	err    error
}

func newRecordingStore() *recordingStore {
	return &recordingStore{values: make(map[string]string)}
}

func (r *recordingStore) Get(ctx context.Context, key string) (string, bool, error) {
	v, ok := r.values[key]
	return v, ok, nil
}

func (r *recordingStore) Set(ctx context.Context, key, value string) error {
	if r.failOn == "set:"+key {
		return r.err
	}
	r.ops = append(r.ops, "set:"+key)
	r.values[key] = value
	return nil
}

func (r *recordingStore) Delete(ctx context.Context, key string) error {
	if r.failOn == "delete:"+key {
		return r.err
	}
	r.ops = append(r.ops, "delete:"+key)
	delete(r.values, key)
	return nil
}

func (r *recordingStore) Subscribe() (<-chan Change, func(), error) {
	ch := make(chan Change)
	return ch, func() { close(ch) }, nil
}

func (r *recordingStore) Close() error { return nil }

func TestPublishDescriptor_StoresDataBeforeFlag(t *testing.T) {
	store := newRecordingStore()
	desc := &MediaDescriptor{Kind: MediaKindImage, Data: "data:image/png;base64,AQID"}

	if err := PublishDescriptor(context.Background(), store, desc); err != nil {
		t.Fatalf("PublishDescriptor failed: %v", err)
	}

	// A tab woken by the flag must find the descriptor already there, so
	// the descriptor write has to land first.
	want := []string{"set:" + KeyData, "set:" + KeyActive}
	if len(store.ops) != len(want) {
		t.Fatalf("ops = %v, want %v", store.ops, want)
	}
	for i := range want {
		if store.ops[i] != want[i] {
			t.Fatalf("ops = %v, want %v", store.ops, want)
		}
	}

	if got := store.values[KeyActive]; got != ActiveValue {
		t.Errorf("flag = %q, want %q", got, ActiveValue)
	}
	parsed, err := ParseDescriptor(store.values[KeyData])
	if err != nil {
		t.Fatalf("stored descriptor does not parse: %v", err)
	}
	if parsed.Kind != desc.Kind || parsed.Data != desc.Data {
		t.Errorf("round-tripped descriptor = %+v, want %+v", parsed, desc)
	}
}

func TestPublishDescriptor_DataWriteFailureLeavesFlagDown(t *testing.T) {
	store := newRecordingStore()
	store.failOn = "set:" + KeyData
	store.err = errors.New("disk full")

	desc := &MediaDescriptor{Kind: MediaKindImage, Data: "data:image/png;base64,AQID"}
	err := PublishDescriptor(context.Background(), store, desc)
	if err == nil || !strings.Contains(err.Error(), "disk full") {
		t.Fatalf("error = %v, want wrapped disk full", err)
	}
	if _, ok := store.values[KeyActive]; ok {
		t.Error("flag was raised even though the descriptor write failed")
	}
}

func TestClearMock_LowersFlagBeforeData(t *testing.T) {
	store := newRecordingStore()
	store.values[KeyData] = "data"
	store.values[KeyActive] = ActiveValue

	if err := ClearMock(context.Background(), store); err != nil {
		t.Fatalf("ClearMock failed: %v", err)
	}

	want := []string{"delete:" + KeyActive, "delete:" + KeyData}
	if len(store.ops) != len(want) {
		t.Fatalf("ops = %v, want %v", store.ops, want)
	}
	for i := range want {
		if store.ops[i] != want[i] {
			t.Fatalf("ops = %v, want %v", store.ops, want)
		}
	}
	if len(store.values) != 0 {
		t.Errorf("values left behind: %v", store.values)
	}
}

func TestChangeOp_String(t *testing.T) {
	tests := []struct {
		op   ChangeOp
		want string
	}{
		{ChangeSet, "set"},
		{ChangeDelete, "delete"},
		{ChangeOp(42), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.op.String(); got != tt.want {
			t.Errorf("ChangeOp(%d).String() = %q, want %q", tt.op, got, tt.want)
		}
	}
}
