package server

import (
	"encoding/json"
	"io"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/BastienGimbert/TheSolanaApi/pkg/models"
	"github.com/BastienGimbert/TheSolanaApi/pkg/proxy"
	"github.com/BastienGimbert/TheSolanaApi/pkg/registry"
)

// recordingBackend is an httptest validator that records how often it
// was hit and echoes a fixed response.
type recordingBackend struct {
	hits   atomic.Int64
	status int
	reply  string
	server *httptest.Server
}

func newRecordingBackend(status int, reply string) *recordingBackend {
	b := &recordingBackend{status: status, reply: reply}
	b.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b.hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(b.status)
		_, _ = w.Write([]byte(b.reply))
	}))
	return b
}

func (b *recordingBackend) validator(name, location string) models.Validator {
	endpoint, err := url.Parse(b.server.URL)
	if err != nil {
		panic(err)
	}
	return models.Validator{
		Name:     name,
		Location: location,
		Protocol: endpoint.Scheme,
		Endpoint: endpoint,
	}
}

// ServerTestSuite tests the HTTP contract end to end with real
// forwarding against httptest backends.
type ServerTestSuite struct {
	suite.Suite
	frankfurt *recordingBackend
	amsterdam *recordingBackend
	reg       *registry.Registry
	srv       *Server
}

func (s *ServerTestSuite) SetupTest() {
	s.frankfurt = newRecordingBackend(http.StatusOK, `{"jsonrpc":"2.0","id":1,"result":"frankfurt"}`)
	s.amsterdam = newRecordingBackend(http.StatusOK, `{"jsonrpc":"2.0","id":1,"result":"amsterdam"}`)

	reg, err := registry.New([]models.Validator{
		s.frankfurt.validator("frankfurt-1", "Frankfurt"),
		s.amsterdam.validator("amsterdam-1", "Amsterdam"),
	})
	s.Require().NoError(err)
	s.reg = reg

	fwd := proxy.NewForwarder(2*time.Second, 1<<20, false)
	s.srv = NewServer(reg, fwd, nil, nil, 1<<20, time.Second)
	s.srv.SetRand(rand.New(rand.NewSource(7)))
}

func (s *ServerTestSuite) TearDownTest() {
	s.frankfurt.server.Close()
	s.amsterdam.server.Close()
}

func (s *ServerTestSuite) do(method, target, body string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	s.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func (s *ServerTestSuite) markUnhealthy(name string) {
	s.reg.UpdateStatus(name, func(st *models.ValidatorStatus) {
		st.Health = models.HealthUnhealthy
		st.ConsecFails = 3
	})
}

func (s *ServerTestSuite) TestHealthEndpoint() {
	rec := s.do(http.MethodGet, "/health", "")

	s.Equal(http.StatusOK, rec.Code)
	s.JSONEq(`{"status":"ok"}`, rec.Body.String())
}

func (s *ServerTestSuite) TestValidatorsEndpoint() {
	s.markUnhealthy("amsterdam-1")

	rec := s.do(http.MethodGet, "/validators", "")
	s.Equal(http.StatusOK, rec.Code)

	var resp struct {
		Validators []models.ValidatorSummary `json:"validators"`
	}
	s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), &resp))

	// All registered validators appear in registry order, unhealthy ones
	// included, and health state is not part of the payload.
	s.Require().Len(resp.Validators, 2)
	s.Equal("frankfurt-1", resp.Validators[0].Name)
	s.Equal("amsterdam-1", resp.Validators[1].Name)
	s.NotContains(rec.Body.String(), "health")
}

func (s *ServerTestSuite) TestIndexEndpoint() {
	rec := s.do(http.MethodGet, "/", "")

	s.Equal(http.StatusOK, rec.Code)
	s.Contains(rec.Body.String(), "/validators")
}

func (s *ServerTestSuite) TestForwardByServerIsExact() {
	payload := `{"jsonrpc":"2.0","id":1,"method":"getVersion","params":[]}`

	for _i := 0; _i < 10; _i++ {
		rec := s.do(http.MethodPost, "/?server=frankfurt-1", payload)
		s.Equal(http.StatusOK, rec.Code)
		s.Equal(`{"jsonrpc":"2.0","id":1,"result":"frankfurt"}`, rec.Body.String())
	}

	s.Equal(int64(10), s.frankfurt.hits.Load())
	s.Zero(s.amsterdam.hits.Load())
}

func (s *ServerTestSuite) TestUnknownServerIs404WithoutBackendContact() {
	rec := s.do(http.MethodPost, "/?server=berlin-1", `{}`)

	s.Equal(http.StatusNotFound, rec.Code)
	s.Contains(rec.Body.String(), "error")
	s.Zero(s.frankfurt.hits.Load())
	s.Zero(s.amsterdam.hits.Load())
}

func (s *ServerTestSuite) TestUnknownLocationIs404() {
	rec := s.do(http.MethodPost, "/?location=Oslo", `{}`)

	s.Equal(http.StatusNotFound, rec.Code)
	s.Zero(s.frankfurt.hits.Load())
}

func (s *ServerTestSuite) TestServerBeatsLocation() {
	rec := s.do(http.MethodPost, "/?server=frankfurt-1&location=Amsterdam", `{}`)

	s.Equal(http.StatusOK, rec.Code)
	s.Equal(int64(1), s.frankfurt.hits.Load())
	s.Zero(s.amsterdam.hits.Load())
}

func (s *ServerTestSuite) TestLocationIsCaseInsensitive() {
	for _i := 0; _i < 5; _i++ {
		rec := s.do(http.MethodPost, "/?location=amsterdam", `{}`)
		s.Equal(http.StatusOK, rec.Code)
		s.Equal(`{"jsonrpc":"2.0","id":1,"result":"amsterdam"}`, rec.Body.String())
	}

	s.Equal(int64(5), s.amsterdam.hits.Load())
	s.Zero(s.frankfurt.hits.Load())
}

func (s *ServerTestSuite) TestRegionIsAnAliasForLocation() {
	for _i := 0; _i < 5; _i++ {
		rec := s.do(http.MethodPost, "/?region=Amsterdam", `{}`)
		s.Equal(http.StatusOK, rec.Code)
		s.Equal(`{"jsonrpc":"2.0","id":1,"result":"amsterdam"}`, rec.Body.String())
	}

	s.Equal(int64(5), s.amsterdam.hits.Load())
	s.Zero(s.frankfurt.hits.Load())

	// An explicit location still wins over the alias.
	rec := s.do(http.MethodPost, "/?location=Frankfurt&region=Amsterdam", `{}`)
	s.Equal(http.StatusOK, rec.Code)
	s.Equal(int64(1), s.frankfurt.hits.Load())
}

func (s *ServerTestSuite) TestUnhealthySoleMatchIs503() {
	s.markUnhealthy("amsterdam-1")

	rec := s.do(http.MethodPost, "/?location=Amsterdam", `{}`)

	s.Equal(http.StatusServiceUnavailable, rec.Code)
	s.Zero(s.amsterdam.hits.Load())
}

func (s *ServerTestSuite) TestFleetWideOutageIs503() {
	s.markUnhealthy("frankfurt-1")
	s.markUnhealthy("amsterdam-1")

	rec := s.do(http.MethodPost, "/", `{}`)

	s.Equal(http.StatusServiceUnavailable, rec.Code)
	s.Contains(rec.Body.String(), "error")
}

func (s *ServerTestSuite) TestBackendErrorRelaysVerbatim() {
	failing := newRecordingBackend(http.StatusTeapot, `{"jsonrpc":"2.0","id":1,"error":{"code":-32000,"message":"slot skipped"}}`)
	defer failing.server.Close()

	s.Require().NoError(s.reg.Reload([]models.Validator{failing.validator("teapot-1", "Lab")}))

	rec := s.do(http.MethodPost, "/", `{"jsonrpc":"2.0","id":1,"method":"getBlock","params":[5]}`)

	s.Equal(http.StatusTeapot, rec.Code)
	s.Equal(`{"jsonrpc":"2.0","id":1,"error":{"code":-32000,"message":"slot skipped"}}`, rec.Body.String())
}

func (s *ServerTestSuite) TestOversizedRequestIs413() {
	fwd := proxy.NewForwarder(2*time.Second, 1<<20, false)
	srv := NewServer(s.reg, fwd, nil, nil, 64, time.Second)

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(strings.Repeat("x", 256)))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	s.Equal(http.StatusRequestEntityTooLarge, rec.Code)
	s.Contains(rec.Body.String(), "too large")
	s.Zero(s.frankfurt.hits.Load())
	s.Zero(s.amsterdam.hits.Load())
}

func (s *ServerTestSuite) TestBackendTimeoutIs504WithinBudget() {
	release := make(chan struct{})
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer slow.Close()
	defer close(release)

	endpoint, err := url.Parse(slow.URL)
	s.Require().NoError(err)
	s.Require().NoError(s.reg.Reload([]models.Validator{{
		Name:     "slow-1",
		Location: "Lab",
		Protocol: endpoint.Scheme,
		Endpoint: endpoint,
	}}))

	fwd := proxy.NewForwarder(150*time.Millisecond, 1<<20, false)
	srv := NewServer(s.reg, fwd, nil, nil, 1<<20, time.Second)

	start := time.Now()
	req := httptest.NewRequest(http.MethodPost, "/?server=slow-1", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	s.Equal(http.StatusGatewayTimeout, rec.Code)
	s.Less(time.Since(start), 2*time.Second)
}

func (s *ServerTestSuite) TestUnreachableBackendIs502AndObserved() {
	gone := newRecordingBackend(http.StatusOK, `{}`)
	v := gone.validator("gone-1", "Lab")
	gone.server.Close()

	s.Require().NoError(s.reg.Reload([]models.Validator{v}))

	observed := &failureRecorder{}
	fwd := proxy.NewForwarder(time.Second, 1<<20, false)
	srv := NewServer(s.reg, fwd, observed, nil, 1<<20, time.Second)

	req := httptest.NewRequest(http.MethodPost, "/?server=gone-1", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	s.Equal(http.StatusBadGateway, rec.Code)
	s.Equal(int64(1), observed.calls.Load())
	s.Equal("gone-1", observed.lastName.Load())
}

// failureRecorder captures forward-failure signals handed to the health
// tracker.
type failureRecorder struct {
	calls    atomic.Int64
	lastName atomic.Value
}

func (f *failureRecorder) ObserveForwardFailure(name string, err error) {
	f.calls.Add(1)
	f.lastName.Store(name)
}

func TestServerTestSuite(t *testing.T) {
	suite.Run(t, new(ServerTestSuite))
}
