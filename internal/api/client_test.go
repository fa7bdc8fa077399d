package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"qms/mpp-desk/internal/models"

	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(Options{BaseURL: srv.URL, Token: "secret", Timeout: 5 * time.Second})
}

func TestListTicketsSendsDateAndToken(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/queues", r.URL.Path)
		require.Equal(t, "2024-01-15", r.URL.Query().Get("date"))
		require.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		require.NotEmpty(t, r.Header.Get("X-Request-ID"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"message":"ok","data":[{"id":1,"counter_id":2,"queue_number":"BP-01-20240115-001","status":"waiting"}]}`)
	})

	tickets, err := client.ListTickets(context.Background(), time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Len(t, tickets, 1)
	require.Equal(t, models.ID("1"), tickets[0].ID)
	require.Equal(t, models.ID("2"), tickets[0].CounterID)
	require.Equal(t, models.StatusWaiting, tickets[0].Status)
}

func TestListCountersUnwrapsPage(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"data":{"current_page":1,"data":[{"id":"c1","name":"BPJS","code":"BP-001","quota":10,"is_active":true}]}}`)
	})
	counters, err := client.ListCounters(context.Background())
	require.NoError(t, err)
	require.Len(t, counters, 1)
	require.Equal(t, "BP-001", counters[0].Code)
	require.Equal(t, 10, counters[0].DailyQuota)
	require.True(t, counters[0].Active)
}

func TestBareArrayResponse(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `[{"id":3,"name":"Pajak","code":"PJ-001","quota":4}]`)
	})
	counters, err := client.ListTrashedCounters(context.Background())
	require.NoError(t, err)
	require.Len(t, counters, 1)
	require.Equal(t, models.ID("3"), counters[0].ID)
}

func TestMutationErrorSurfacesMessageWithoutRetry(t *testing.T) {
	var hits int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/queues/7/serve", r.URL.Path)
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = io.WriteString(w, `{"message":"Loket sedang melayani antrian lain"}`)
	})

	_, err := client.ServeTicket(context.Background(), "7")
	require.Error(t, err)
	var apiErr *Error
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, http.StatusInternalServerError, apiErr.Status)
	require.Equal(t, "Loket sedang melayani antrian lain", Message(err))
	require.Equal(t, int32(1), atomic.LoadInt32(&hits))
}

func TestReadsRetryServerErrors(t *testing.T) {
	var hits int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = io.WriteString(w, `{"data":{"id":5,"name":"BPJS","code":"BP-001","quota":2}}`)
	})
	counter, err := client.GetCounter(context.Background(), "5")
	require.NoError(t, err)
	require.Equal(t, "BP-001", counter.Code)
	require.Equal(t, int32(2), atomic.LoadInt32(&hits))
}

func TestNotFoundMatchesSentinel(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	_, err := client.GetCounter(context.Background(), "404")
	require.ErrorIs(t, err, ErrNotFound)
	require.Equal(t, GenericMessage, Message(err))
}

func TestValidationErrorsFallBackToFieldMessage(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = io.WriteString(w, `{"errors":{"code":["Kode loket sudah digunakan"]}}`)
	})
	_, err := client.CreateCounter(context.Background(), models.Counter{Name: "BPJS", Code: "BP-001", DailyQuota: 2})
	var apiErr *Error
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, "Kode loket sudah digunakan", apiErr.Message)
	require.Contains(t, apiErr.Fields, "code")
}

func TestCreateTicketAndCallNextBodies(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		switch r.URL.Path {
		case "/queues":
			require.Equal(t, "c1", body["counter_id"])
			require.Equal(t, "BPJS", body["service_name"])
			_, _ = io.WriteString(w, `{"data":{"id":9,"counter_id":"c1","queue_number":"BP-01-20240115-003","status":"waiting"}}`)
		case "/queues/call-next":
			require.Equal(t, "c1", body["counter_id"])
			require.Equal(t, "9", body["queue_id"])
			_, _ = io.WriteString(w, `{"data":{"id":9,"counter_id":"c1","queue_number":"BP-01-20240115-003","status":"called"}}`)
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	})

	ticket, err := client.CreateTicket(context.Background(), "c1", "BPJS")
	require.NoError(t, err)
	require.Equal(t, "BP-01-20240115-003", ticket.QueueNumber)

	called, err := client.CallNext(context.Background(), "c1", "9")
	require.NoError(t, err)
	require.Equal(t, models.StatusCalled, called.Status)
}

func TestEmptyMutationResponse(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodDelete, r.Method)
		require.Equal(t, "/counters/4/force", r.URL.Path)
		w.WriteHeader(http.StatusNoContent)
	})
	require.NoError(t, client.ForceDeleteCounter(context.Background(), "4"))
}
