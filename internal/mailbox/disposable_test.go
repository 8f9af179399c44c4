package mailbox

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nyxra/enroller/internal/config"
)

// fakeMailAPI emulates the disposable-mailbox management service.
type fakeMailAPI struct {
	listCalls   atomic.Int32
	detailCalls atomic.Int32
	deleteCalls atomic.Int32

	mu        sync.Mutex
	createReq map[string]string

	// listCalls threshold after which the verification mail appears.
	mailAfter int32
}

func (f *fakeMailAPI) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /mailboxes", func(w http.ResponseWriter, r *http.Request) {
		assert.NotEmpty(t, r.Header.Get("X-API-Key"))
		var req map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		f.mu.Lock()
		f.createReq = req
		f.mu.Unlock()
		w.WriteHeader(http.StatusCreated)
		fmt.Fprint(w, `{"email":"tmpbox@tmp.example"}`)
	})

	mux.HandleFunc("GET /mailboxes/{email}/messages", func(w http.ResponseWriter, r *http.Request) {
		assert.NotEmpty(t, r.Header.Get("X-API-Key"))
		assert.NotEmpty(t, r.Header.Get("X-Mailbox-Password"))
		n := f.listCalls.Add(1)
		if n < f.mailAfter {
			fmt.Fprint(w, `{"messages":[]}`)
			return
		}
		fmt.Fprint(w, `{"messages":[
			{"uid":"junk-1","from":"ads@elsewhere.example","subject":"sale"},
			{"uid":"mail-1","from":"no-reply@provider.example","subject":"verify"}
		]}`)
	})

	mux.HandleFunc("GET /mailboxes/{email}/messages/{uid}", func(w http.ResponseWriter, r *http.Request) {
		f.detailCalls.Add(1)
		if !strings.HasSuffix(r.URL.Path, "mail-1") {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, `{"uid":"mail-1","from":"no-reply@provider.example",
			"html":"<p>Your verification code is <b>482913</b></p>","text":""}`)
	})

	mux.HandleFunc("DELETE /mailboxes/{email}", func(w http.ResponseWriter, r *http.Request) {
		f.deleteCalls.Add(1)
		w.WriteHeader(http.StatusOK)
	})

	return mux
}

func newDisposableUnderTest(t *testing.T, api *fakeMailAPI) (*DisposableBackend, *httptest.Server) {
	srv := httptest.NewServer(api.handler(t))
	t.Cleanup(srv.Close)

	backend := NewDisposableBackend(
		config.DisposableConfig{BaseURL: srv.URL, APIKey: "test-key"},
		[]string{"provider.example"},
		zap.NewNop(),
	)
	return backend, srv
}

func TestDisposableWaitForCodeAfterTwoPolls(t *testing.T) {
	api := &fakeMailAPI{mailAfter: 2}
	backend, _ := newDisposableUnderTest(t, api)

	ctx := context.Background()
	require.NoError(t, backend.EnsureMailbox(ctx))
	assert.Equal(t, "tmpbox@tmp.example", backend.Address())

	code, err := backend.WaitForCode(ctx, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "482913", code)

	assert.Equal(t, int32(2), api.listCalls.Load(), "code arrived on the second poll")
	assert.GreaterOrEqual(t, api.detailCalls.Load(), int32(1))
}

func TestDisposableDetailFetchSkipsDisallowedSenders(t *testing.T) {
	api := &fakeMailAPI{mailAfter: 1}
	backend, _ := newDisposableUnderTest(t, api)

	ctx := context.Background()
	require.NoError(t, backend.EnsureMailbox(ctx))
	_, err := backend.WaitForCode(ctx, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, err)

	// Only the allow-listed sender's body is ever fetched.
	assert.Equal(t, int32(1), api.detailCalls.Load())
}

func TestDisposableDisposeIsIdempotent(t *testing.T) {
	api := &fakeMailAPI{mailAfter: 1}
	backend, _ := newDisposableUnderTest(t, api)

	ctx := context.Background()
	require.NoError(t, backend.EnsureMailbox(ctx))

	require.NoError(t, backend.Dispose(ctx))
	require.NoError(t, backend.Dispose(ctx))
	require.NoError(t, backend.Dispose(ctx))

	assert.Equal(t, int32(1), api.deleteCalls.Load(), "mailbox deleted exactly once")
	assert.Empty(t, backend.Address())
}

func TestDisposableCreationSendsConfiguredDomain(t *testing.T) {
	api := &fakeMailAPI{mailAfter: 1}
	srv := httptest.NewServer(api.handler(t))
	t.Cleanup(srv.Close)

	backend := NewDisposableBackend(
		config.DisposableConfig{BaseURL: srv.URL, APIKey: "test-key", Domain: "tmp.example"},
		[]string{"provider.example"},
		zap.NewNop(),
	)
	require.NoError(t, backend.EnsureMailbox(context.Background()))

	api.mu.Lock()
	req := api.createReq
	api.mu.Unlock()
	assert.Equal(t, "tmp.example", req["domain"])
	assert.NotEmpty(t, req["name"])
}

func TestDisposableCreationOmitsDomainWhenUnset(t *testing.T) {
	api := &fakeMailAPI{mailAfter: 1}
	backend, _ := newDisposableUnderTest(t, api)
	require.NoError(t, backend.EnsureMailbox(context.Background()))

	api.mu.Lock()
	req := api.createReq
	api.mu.Unlock()
	_, present := req["domain"]
	assert.False(t, present, "the service picks the domain when none is configured")
}

func TestDisposableWaitWithoutMailboxFails(t *testing.T) {
	api := &fakeMailAPI{mailAfter: 1}
	backend, _ := newDisposableUnderTest(t, api)

	_, err := backend.WaitForCode(context.Background(), time.Second, 10*time.Millisecond)
	assert.Error(t, err)
}
