package bootstrap

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubewarden/policy-server/internal/kubecontext"
	"github.com/kubewarden/policy-server/internal/policy"
	"github.com/kubewarden/policy-server/internal/requestqueue"
	"github.com/kubewarden/policy-server/internal/worker"
)

// An empty PolicySet lets these tests exercise the full boot/shutdown
// sequence without compiling a real Wasm module: buildEvaluators iterates
// zero names and the Worker Pool boots trivially.
func emptySet(t *testing.T) *policy.Set {
	t.Helper()
	set, err := policy.NewSet(map[string]policy.Evaluable{})
	require.NoError(t, err)
	return set
}

func TestSequencerRunBootsAndBecomesReady(t *testing.T) {
	poller := kubecontext.New(nil, nil, nil, kubecontext.Options{PollInterval: 50 * time.Millisecond})
	pool := worker.New(nil, nil)
	queue := requestqueue.NewChannel(4)
	mux := http.NewServeMux()
	httpServer := &http.Server{Addr: "127.0.0.1:0", Handler: mux}

	seq := New(Options{
		Policies:   emptySet(t),
		Fetcher:    stubFetcher{},
		Poller:     poller,
		Pool:       pool,
		Queue:      queue,
		PoolSize:   1,
		HTTPServer: httpServer,
	})

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- seq.Run(ctx) }()

	require.Eventually(t, seq.Ready, time.Second, 5*time.Millisecond, "sequencer never became ready")
	assert.True(t, PollerReadiness(poller).Ready())

	cancel()
	select {
	case err := <-runErr:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("sequencer never returned after context cancellation")
	}
}

func TestSequencerRunFailsWhenFetchFails(t *testing.T) {
	set, err := policy.NewSet(map[string]policy.Evaluable{
		"broken": &policy.Spec{Name: "broken", SourceURI: "registry://broken:v1", Mode: policy.ModeProtect},
	})
	require.NoError(t, err)

	poller := kubecontext.New(nil, nil, nil, kubecontext.Options{})
	pool := worker.New(nil, nil)
	queue := requestqueue.NewChannel(4)
	httpServer := &http.Server{Addr: "127.0.0.1:0", Handler: http.NewServeMux()}

	seq := New(Options{
		Policies:   set,
		Fetcher:    stubFetcher{err: assertErr},
		Poller:     poller,
		Pool:       pool,
		Queue:      queue,
		PoolSize:   1,
		HTTPServer: httpServer,
	})

	err = seq.Run(context.Background())
	require.Error(t, err)
	assert.False(t, seq.Ready())
}

var assertErr = errAlwaysFails{}

type errAlwaysFails struct{}

func (errAlwaysFails) Error() string { return "fetch always fails in this test" }
