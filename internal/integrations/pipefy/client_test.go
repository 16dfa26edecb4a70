package pipefy

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"sdr-agent/internal/domain"
)

// fakePipefy is a scripted GraphQL endpoint that records the operations it receives.
type fakePipefy struct {
	mu       sync.Mutex
	ops      []string
	requests []graphQLRequest
	auth     []string

	fieldsBody   string
	describeBody string
	createBody   string
	updateBody   string
	delay        time.Duration
}

const allFieldsBody = `{"data":{"pipe":{"start_form_fields":[
	{"id":"f_nome","label":"Nome"},
	{"id":"f_email","label":"Email"},
	{"id":"f_empresa","label":"Empresa"},
	{"id":"f_necessidade","label":"Necessidade"},
	{"id":"f_interesse","label":"Interesse_confirmado"},
	{"id":"f_link","label":"Meeting_link"},
	{"id":"f_data","label":"Data Reuniao"},
	{"id":"f_outro","label":"Observações"}
]}}}`

func newFakePipefy() *fakePipefy {
	return &fakePipefy{
		fieldsBody:   allFieldsBody,
		describeBody: allFieldsBody,
		createBody:   `{"data":{"createCard":{"card":{"id":"1243575541","title":"Ana Silva"}}}}`,
		updateBody:   `{"data":{"updateFieldsValues":{"success":true,"userErrors":[]}}}`,
	}
}

func (f *fakePipefy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req graphQLRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	op := "unknown"
	body := `{"data":null}`
	switch {
	case strings.Contains(req.Query, "GetPipeFields"):
		op, body = "GetPipeFields", f.fieldsBody
	case strings.Contains(req.Query, "DescribePipeFields"):
		op, body = "DescribePipeFields", f.describeBody
	case strings.Contains(req.Query, "CreateCard"):
		op, body = "CreateCard", f.createBody
	case strings.Contains(req.Query, "UpdateMeetingFields"):
		op, body = "UpdateMeetingFields", f.updateBody
	}

	f.mu.Lock()
	f.ops = append(f.ops, op)
	f.requests = append(f.requests, req)
	f.auth = append(f.auth, r.Header.Get("Authorization"))
	f.mu.Unlock()

	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(body))
}

func (f *fakePipefy) operations() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ops...)
}

func (f *fakePipefy) lastRequest() graphQLRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

func newLiveClient(t *testing.T, srv *httptest.Server, opts ...Option) *Client {
	t.Helper()
	opts = append([]Option{
		WithURL(srv.URL),
		WithHTTPClient(&http.Client{Timeout: 2 * time.Second}),
	}, opts...)
	c, err := New("live-token", "pipe-1", opts...)
	require.NoError(t, err)
	require.False(t, c.Simulated())
	return c
}

type fakeNormalizer struct {
	out   string
	err   error
	calls []string
}

func (f *fakeNormalizer) Normalize(input string) (string, error) {
	f.calls = append(f.calls, input)
	return f.out, f.err
}

func expectKind(t *testing.T, err error, kind domain.ErrorKind) {
	t.Helper()
	require.Error(t, err)
	require.Equal(t, kind, domain.KindOf(err), "err=%v", err)
}

// ---------------------------------------------------------------------------
// modes
// ---------------------------------------------------------------------------

func TestIsSimulationToken(t *testing.T) {
	require.True(t, IsSimulationToken(""))
	require.True(t, IsSimulationToken("   "))
	require.True(t, IsSimulationToken("token_simulacao_local"))
	require.True(t, IsSimulationToken("SIMULACAO"))
	require.False(t, IsSimulationToken("eyJhbGciOi.real"))
}

func TestNew_LiveModeRequiresPipeID(t *testing.T) {
	_, err := New("live-token", " ")
	require.Error(t, err)
	require.Contains(t, err.Error(), "pipe id")

	c, err := New("", "")
	require.NoError(t, err)
	require.True(t, c.Simulated())
}

// ---------------------------------------------------------------------------
// CreateLead
// ---------------------------------------------------------------------------

func TestCreateLead_SimulatedNeverCallsNetwork(t *testing.T) {
	fake := newFakePipefy()
	srv := httptest.NewServer(fake)
	defer srv.Close()

	c, err := New("", "", WithURL(srv.URL))
	require.NoError(t, err)

	id, err := c.CreateLead(context.Background(), domain.Lead{
		Name: "Ana Silva", Email: "ana@x.com", Company: "Acme", Need: "Implementar IA",
	}, nil)
	require.NoError(t, err)
	require.Equal(t, SimulatedCardID, id)
	require.Empty(t, fake.operations())
}

func TestCreateLead_InvalidNeedIssuesNoRemoteCall(t *testing.T) {
	fake := newFakePipefy()
	srv := httptest.NewServer(fake)
	defer srv.Close()

	for _, need := range []string{"consultoria", "", "implementar", "automacao"} {
		c := newLiveClient(t, srv)
		_, err := c.CreateLead(context.Background(), domain.Lead{Name: "Ana", Email: "a@x.com", Company: "Acme", Need: need}, nil)
		expectKind(t, err, domain.KindInvalidNeed)

		sim, err := New("", "")
		require.NoError(t, err)
		_, err = sim.CreateLead(context.Background(), domain.Lead{Need: need}, nil)
		expectKind(t, err, domain.KindInvalidNeed)
	}
	require.Empty(t, fake.operations())
}

func TestCreateLead_LiveHappyPath(t *testing.T) {
	fake := newFakePipefy()
	srv := httptest.NewServer(fake)
	defer srv.Close()

	c := newLiveClient(t, srv)
	id, err := c.CreateLead(context.Background(), domain.Lead{
		Name: "Ana Silva", Email: "ana@x.com", Company: "Acme", Need: "AUTOMAÇÃO",
	}, nil)
	require.NoError(t, err)
	require.Equal(t, "1243575541", id)
	require.Equal(t, []string{"GetPipeFields", "CreateCard"}, fake.operations())
	require.Equal(t, "Bearer live-token", fake.auth[1])

	input := fake.lastRequest().Variables["input"].(map[string]any)
	require.Equal(t, "pipe-1", input["pipe_id"])
	attrs := input["fields_attributes"].([]any)
	require.Len(t, attrs, 5)

	values := map[string]string{}
	for _, a := range attrs {
		m := a.(map[string]any)
		values[m["field_id"].(string)] = m["field_value"].(string)
	}
	require.Equal(t, map[string]string{
		"f_nome":        "Ana Silva",
		"f_email":       "ana@x.com",
		"f_empresa":     "Acme",
		"f_necessidade": "Automação de Processos",
		"f_interesse":   "Sim",
	}, values)
}

func TestCreateLead_IncludesMeetingFieldsOnlyWhenProvided(t *testing.T) {
	fake := newFakePipefy()
	srv := httptest.NewServer(fake)
	defer srv.Close()

	norm := &fakeNormalizer{out: "2026-11-09T20:00:00"}
	c := newLiveClient(t, srv, WithDateNormalizer(norm))
	_, err := c.CreateLead(context.Background(), domain.Lead{
		Name: "Ana", Email: "a@x.com", Company: "Acme", Need: "implementar ia",
	}, &Meeting{Link: "https://meet.link.ficticio/abc", DateTime: "dia 9 de novembro às 20h"})
	require.NoError(t, err)
	require.Equal(t, []string{"dia 9 de novembro às 20h"}, norm.calls)

	attrs := fake.lastRequest().Variables["input"].(map[string]any)["fields_attributes"].([]any)
	require.Len(t, attrs, 7)

	_, err = c.CreateLead(context.Background(), domain.Lead{Name: "Ana", Need: "implementar ia"}, &Meeting{Link: "https://x"})
	require.NoError(t, err)
	attrs = fake.lastRequest().Variables["input"].(map[string]any)["fields_attributes"].([]any)
	require.Len(t, attrs, 6)
}

func TestCreateLead_MissingCardIsRemoteFailure(t *testing.T) {
	fake := newFakePipefy()
	fake.createBody = `{"data":{"createCard":null}}`
	srv := httptest.NewServer(fake)
	defer srv.Close()

	_, err := newLiveClient(t, srv).CreateLead(context.Background(), domain.Lead{Name: "Ana", Need: "Implementar IA"}, nil)
	expectKind(t, err, domain.KindRemoteOperation)
}

func TestCreateLead_GraphQLErrorsAreRemoteFailure(t *testing.T) {
	fake := newFakePipefy()
	fake.createBody = `{"data":null,"errors":[{"message":"Permission denied"}]}`
	srv := httptest.NewServer(fake)
	defer srv.Close()

	_, err := newLiveClient(t, srv).CreateLead(context.Background(), domain.Lead{Name: "Ana", Need: "Implementar IA"}, nil)
	expectKind(t, err, domain.KindRemoteOperation)
	require.Contains(t, err.Error(), "Permission denied")
}

func TestCreateLead_MissingRequiredFieldIsSchemaError(t *testing.T) {
	fake := newFakePipefy()
	fake.fieldsBody = `{"data":{"pipe":{"start_form_fields":[{"id":"f_nome","label":"Nome"}]}}}`
	srv := httptest.NewServer(fake)
	defer srv.Close()

	_, err := newLiveClient(t, srv).CreateLead(context.Background(), domain.Lead{Name: "Ana", Need: "Implementar IA"}, nil)
	expectKind(t, err, domain.KindSchemaResolution)
	require.Equal(t, []string{"GetPipeFields"}, fake.operations())
}

// ---------------------------------------------------------------------------
// ResolveFieldIDs
// ---------------------------------------------------------------------------

func TestResolveFieldIDs_CachedAfterFirstCall(t *testing.T) {
	fake := newFakePipefy()
	srv := httptest.NewServer(fake)
	defer srv.Close()

	c := newLiveClient(t, srv)
	ids, err := c.ResolveFieldIDs(context.Background())
	require.NoError(t, err)
	require.Len(t, ids, 7)
	require.Equal(t, "f_data", ids[FieldMeetingDateTime])

	_, err = c.ResolveFieldIDs(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"GetPipeFields"}, fake.operations())
	require.Equal(t, "pipe-1", fake.lastRequest().Variables["pipeId"])
}

func TestResolveFieldIDs_Errors(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{name: "graphql errors", body: `{"errors":[{"message":"pipe not found"}]}`},
		{name: "no pipe", body: `{"data":{"pipe":null}}`},
		{name: "no fields", body: `{"data":{"pipe":{"start_form_fields":[]}}}`},
		{name: "no expected labels", body: `{"data":{"pipe":{"start_form_fields":[{"id":"x","label":"Outro"}]}}}`},
		{name: "malformed", body: `not-json`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fake := newFakePipefy()
			fake.fieldsBody = tc.body
			srv := httptest.NewServer(fake)
			defer srv.Close()

			_, err := newLiveClient(t, srv).ResolveFieldIDs(context.Background())
			expectKind(t, err, domain.KindSchemaResolution)
		})
	}
}

func TestResolveFieldIDs_FailureIsRetriedOnNextCall(t *testing.T) {
	fake := newFakePipefy()
	fake.fieldsBody = `{"errors":[{"message":"temporary"}]}`
	srv := httptest.NewServer(fake)
	defer srv.Close()

	c := newLiveClient(t, srv)
	_, err := c.ResolveFieldIDs(context.Background())
	require.Error(t, err)

	fake.mu.Lock()
	fake.fieldsBody = allFieldsBody
	fake.mu.Unlock()

	ids, err := c.ResolveFieldIDs(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, ids)
	require.Equal(t, []string{"GetPipeFields", "GetPipeFields"}, fake.operations())
}

func TestResolveFieldIDs_PartialSetIsCachedAsComplete(t *testing.T) {
	fake := newFakePipefy()
	fake.fieldsBody = `{"data":{"pipe":{"start_form_fields":[{"id":"f_link","label":"Meeting_link"},{"id":"f_data","label":"Data Reuniao"}]}}}`
	srv := httptest.NewServer(fake)
	defer srv.Close()

	c := newLiveClient(t, srv)
	ids, err := c.ResolveFieldIDs(context.Background())
	require.NoError(t, err)
	require.Len(t, ids, 2)

	_, err = c.ResolveFieldIDs(context.Background())
	require.NoError(t, err)
	require.Len(t, fake.operations(), 1)
}

func TestResolveFieldIDs_ConcurrentFirstCallsShareOneQuery(t *testing.T) {
	fake := newFakePipefy()
	fake.delay = 100 * time.Millisecond
	srv := httptest.NewServer(fake)
	defer srv.Close()

	c := newLiveClient(t, srv)
	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.ResolveFieldIDs(context.Background())
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	require.Equal(t, []string{"GetPipeFields"}, fake.operations())
}

func TestResolveFieldIDs_SharedCacheAcrossClients(t *testing.T) {
	fake := newFakePipefy()
	srv := httptest.NewServer(fake)
	defer srv.Close()

	cache := NewFieldCache()
	_, err := newLiveClient(t, srv, WithFieldCache(cache)).ResolveFieldIDs(context.Background())
	require.NoError(t, err)
	_, err = newLiveClient(t, srv, WithFieldCache(cache)).ResolveFieldIDs(context.Background())
	require.NoError(t, err)
	require.Len(t, fake.operations(), 1)
}

// ---------------------------------------------------------------------------
// UpdateMeetingFields
// ---------------------------------------------------------------------------

func TestUpdateMeetingFields_ResolvesSchemaOnceBeforeMutation(t *testing.T) {
	fake := newFakePipefy()
	srv := httptest.NewServer(fake)
	defer srv.Close()

	c := newLiveClient(t, srv)
	err := c.UpdateMeetingFields(context.Background(), "987654", "https://meet.link.ficticio/abc", "2026-11-09T20:00:00")
	require.NoError(t, err)
	require.Equal(t, []string{"GetPipeFields", "UpdateMeetingFields"}, fake.operations())

	input := fake.lastRequest().Variables["input"].(map[string]any)
	require.Equal(t, "987654", input["nodeId"])
	values := input["values"].([]any)
	require.Len(t, values, 2)
	require.Equal(t, map[string]any{"fieldId": "f_link", "value": "https://meet.link.ficticio/abc"}, values[0])
	require.Equal(t, map[string]any{"fieldId": "f_data", "value": "2026-11-09T20:00:00"}, values[1])

	err = c.UpdateMeetingFields(context.Background(), "987655", "https://x", "2026-11-10T09:00:00")
	require.NoError(t, err)
	require.Equal(t, []string{"GetPipeFields", "UpdateMeetingFields", "UpdateMeetingFields"}, fake.operations())
}

func TestUpdateMeetingFields_NormalizesDateDefensively(t *testing.T) {
	fake := newFakePipefy()
	srv := httptest.NewServer(fake)
	defer srv.Close()

	norm := &fakeNormalizer{out: "2026-11-09T20:00:00"}
	c := newLiveClient(t, srv, WithDateNormalizer(norm))
	require.NoError(t, c.UpdateMeetingFields(context.Background(), "1", "https://x", "dia 9 de novembro às 20h"))
	require.Equal(t, []string{"dia 9 de novembro às 20h"}, norm.calls)

	values := fake.lastRequest().Variables["input"].(map[string]any)["values"].([]any)
	require.Equal(t, "2026-11-09T20:00:00", values[1].(map[string]any)["value"])
}

func TestUpdateMeetingFields_DateErrorStopsBeforeNetwork(t *testing.T) {
	fake := newFakePipefy()
	srv := httptest.NewServer(fake)
	defer srv.Close()

	norm := &fakeNormalizer{err: domain.NewError(domain.KindDateParse, "dateparse.Normalize", "", nil)}
	c := newLiveClient(t, srv, WithDateNormalizer(norm))
	err := c.UpdateMeetingFields(context.Background(), "1", "https://x", "quando der")
	expectKind(t, err, domain.KindDateParse)
	require.Empty(t, fake.operations())
}

func TestUpdateMeetingFields_BatchFailureIsAtomic(t *testing.T) {
	fake := newFakePipefy()
	fake.updateBody = `{"data":{"updateFieldsValues":{"success":false,"userErrors":[{"field":"f_data","message":"invalid date"}]}}}`
	srv := httptest.NewServer(fake)
	defer srv.Close()

	err := newLiveClient(t, srv).UpdateMeetingFields(context.Background(), "1", "https://x", "2026-11-09T20:00:00")
	expectKind(t, err, domain.KindRemoteOperation)
	require.Contains(t, err.Error(), "invalid date")
	require.Equal(t, []string{"GetPipeFields", "UpdateMeetingFields"}, fake.operations())
}

func TestUpdateMeetingFields_MissingSuccessFlag(t *testing.T) {
	fake := newFakePipefy()
	fake.updateBody = `{"data":{"updateFieldsValues":null}}`
	srv := httptest.NewServer(fake)
	defer srv.Close()

	err := newLiveClient(t, srv).UpdateMeetingFields(context.Background(), "1", "https://x", "2026-11-09T20:00:00")
	expectKind(t, err, domain.KindRemoteOperation)
}

func TestUpdateMeetingFields_Simulated(t *testing.T) {
	c, err := New("SIMULACAO", "", WithURL("http://127.0.0.1:1"))
	require.NoError(t, err)
	require.NoError(t, c.UpdateMeetingFields(context.Background(), SimulatedCardID, "https://x", "2026-11-09T20:00:00"))

	err = c.UpdateMeetingFields(context.Background(), " ", "https://x", "2026-11-09T20:00:00")
	expectKind(t, err, domain.KindInvalidArguments)
}

// ---------------------------------------------------------------------------
// transport
// ---------------------------------------------------------------------------

func TestExecute_Non2xxIsConnectivityError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"invalid token"}`))
	}))
	defer srv.Close()

	c := newLiveClient(t, srv)
	err := c.execute(context.Background(), "test", pipeFieldsQuery, nil, nil)
	expectKind(t, err, domain.KindConnectivity)

	var statusErr *HTTPStatusError
	require.True(t, errors.As(err, &statusErr))
	require.Equal(t, http.StatusUnauthorized, statusErr.HTTPStatusCode())
	require.Contains(t, err.Error(), "401")

	// schema resolution wraps the transport failure
	err = c.UpdateMeetingFields(context.Background(), "1", "https://x", "2026-11-09T20:00:00")
	expectKind(t, err, domain.KindSchemaResolution)
	require.True(t, errors.As(err, &statusErr))
}

func TestExecute_TimeoutIsConnectivityError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		_, _ = w.Write([]byte(`{"data":{}}`))
	}))
	defer srv.Close()

	c := newLiveClient(t, srv, WithHTTPClient(&http.Client{Timeout: 50 * time.Millisecond}))
	err := c.execute(context.Background(), "test", pipeFieldsQuery, nil, nil)
	expectKind(t, err, domain.KindConnectivity)
}

func TestExecute_NetworkErrorIsConnectivityError(t *testing.T) {
	c, err := New("live-token", "pipe-1", WithURL("http://127.0.0.1:1"), WithHTTPClient(&http.Client{Timeout: 100 * time.Millisecond}))
	require.NoError(t, err)
	err = c.execute(context.Background(), "test", pipeFieldsQuery, nil, nil)
	expectKind(t, err, domain.KindConnectivity)
}

func TestFieldCache_DoesNotStoreFailures(t *testing.T) {
	cache := NewFieldCache()
	calls := 0
	_, err := cache.Load(context.Background(), func(context.Context) (FieldIDs, error) {
		calls++
		return nil, errors.New("boom")
	})
	require.Error(t, err)

	ids, err := cache.Load(context.Background(), func(context.Context) (FieldIDs, error) {
		calls++
		return FieldIDs{FieldName: "f_nome"}, nil
	})
	require.NoError(t, err)
	require.Equal(t, "f_nome", ids[FieldName])

	ids[FieldName] = "mutated"
	again, err := cache.Load(context.Background(), func(context.Context) (FieldIDs, error) {
		calls++
		return nil, nil
	})
	require.NoError(t, err)
	require.Equal(t, "f_nome", again[FieldName])
	require.Equal(t, 2, calls)
}
