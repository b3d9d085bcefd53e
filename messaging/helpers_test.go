package messaging

import (
	"context"
	"crypto/ecdh"
	"crypto/ecdsa"
	"sync"
	"testing"
	"time"

	"github.com/opd-ai/meshtalk/crypto"
	"github.com/opd-ai/meshtalk/hub"
	"github.com/stretchr/testify/require"
)

var testStart = time.Date(2030, 3, 1, 12, 0, 0, 0, time.UTC)

// testIdentity is a fixed local identity with optional retired keys.
type testIdentity struct {
	name    string
	key     *ecdsa.PrivateKey
	retired []*ecdsa.PrivateKey
}

func newTestIdentity(t *testing.T, name string) *testIdentity {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return &testIdentity{name: name, key: key}
}

func (i *testIdentity) DisplayName() string { return i.name }

func (i *testIdentity) Sign(message []byte) ([]byte, error) {
	return crypto.Sign(message, i.key)
}

func (i *testIdentity) DecryptionKeys() []*ecdh.PrivateKey {
	var keys []*ecdh.PrivateKey
	for _, k := range append([]*ecdsa.PrivateKey{i.key}, i.retired...) {
		if ak, err := crypto.AgreementPrivateKey(k); err == nil {
			keys = append(keys, ak)
		}
	}
	return keys
}

// rotate replaces the key and keeps the old one for decryption.
func (i *testIdentity) rotate(t *testing.T) {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	i.retired = append([]*ecdsa.PrivateKey{i.key}, i.retired...)
	i.key = key
}

type directory map[string]*ecdsa.PublicKey

func (d directory) PublicKey(name string) (*ecdsa.PublicKey, bool) {
	pub, ok := d[name]
	return pub, ok
}

type burst struct {
	data    []byte
	copies  int
	spacing time.Duration
}

// fakeNetwork records sends and lets tests inject inbound frames.
type fakeNetwork struct {
	mu     sync.Mutex
	sent   []burst
	fail   error
	frames *hub.Hub[[]byte]
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{frames: hub.New[[]byte]("fake")}
}

func (f *fakeNetwork) Send(ctx context.Context, data []byte) error {
	return f.SendBurst(ctx, data, 1, 0)
}

func (f *fakeNetwork) SendBurst(_ context.Context, data []byte, copies int, spacing time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, burst{data: data, copies: copies, spacing: spacing})
	return f.fail
}

func (f *fakeNetwork) Subscribe(buffer int) (<-chan []byte, func()) {
	return f.frames.Subscribe(buffer)
}

func (f *fakeNetwork) bursts() []burst {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]burst(nil), f.sent...)
}

func (f *fakeNetwork) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = nil
}
