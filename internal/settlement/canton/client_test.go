package canton

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(zap.NewNop(), srv.URL, 5*time.Second)
}

func TestCreateContract(t *testing.T) {
	var captured map[string]interface{}
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/create", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"result": map[string]interface{}{"contractId": "c-123"},
		})
	}))

	cid, err := client.CreateContract(context.Background(), "Main:Settlement",
		map[string]interface{}{"tradeId": "t-1"}, "alice::party")
	require.NoError(t, err)
	require.Equal(t, "c-123", cid.ContractID)
	require.Equal(t, "Main:Settlement", cid.TemplateID)

	require.Equal(t, "Main:Settlement", captured["templateId"])
	meta := captured["meta"].(map[string]interface{})
	require.Equal(t, []interface{}{"alice::party"}, meta["actAs"])
	require.Equal(t, applicationID, meta["applicationId"])
	require.NotEmpty(t, meta["commandId"])
}

func TestExerciseChoiceError(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"errors":["contract archived"]}`, http.StatusConflict)
	}))

	_, err := client.ExerciseChoice(context.Background(), "c-1", "ExecuteDeliveryVsPayment", nil, "alice::party")
	require.Error(t, err)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.StatusConflict, apiErr.StatusCode)
}

func TestFetchNotFoundReturnsNil(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))

	contract, err := client.Fetch(context.Background(), "c-unknown", "alice::party")
	require.NoError(t, err)
	require.Nil(t, contract)
}

func TestQuery(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/query", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"result": []map[string]interface{}{
				{"contractId": "c-1", "payload": map[string]interface{}{"tradeId": "t-1"}},
			},
		})
	}))

	contracts, err := client.Query(context.Background(), "Main:Settlement", "alice::party",
		map[string]interface{}{"tradeId": "t-1"})
	require.NoError(t, err)
	require.Len(t, contracts, 1)
	require.Equal(t, "c-1", contracts[0].ContractID)
}

func TestAllocateParty(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/parties/allocate", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"result": map[string]interface{}{"identifier": "alice::abc123"},
		})
	}))

	party, err := client.AllocateParty(context.Background(), "alice", "Alice")
	require.NoError(t, err)
	require.Equal(t, "alice::abc123", party)
}

func TestHealthy(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		http.NotFound(w, r)
	}))
	require.True(t, client.Healthy(context.Background()))

	dead := NewClient(zap.NewNop(), "http://127.0.0.1:1", 200*time.Millisecond)
	require.False(t, dead.Healthy(context.Background()))
}
