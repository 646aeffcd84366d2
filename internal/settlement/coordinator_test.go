package settlement

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/cantondex/backend/internal/database"
	"github.com/cantondex/backend/internal/settlement/canton"
	"github.com/cantondex/backend/pkg/models"
)

// fakeLedger is an httptest stand-in for the Canton JSON Ledger API. It can
// be told to fail ExecuteDeliveryVsPayment a number of times before
// succeeding. Like the real ledger, FailSettlement consumes the contract:
// any later exercise against it is rejected.
type fakeLedger struct {
	mu           sync.Mutex
	failDvP      int
	dvpCalls     int
	failCalls    int
	createCalls  int
	lastContract string
	lastDvPArgs  map[string]interface{}
	consumed     bool
}

func (f *fakeLedger) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/create", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.createCalls++
		f.lastContract = "contract-" + uuid.NewString()
		contract := f.lastContract
		f.mu.Unlock()
		writeJSON(w, map[string]interface{}{
			"result": map[string]interface{}{"contractId": contract},
		})
	})
	mux.HandleFunc("/v1/exercise", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Choice   string                 `json:"choice"`
			Argument map[string]interface{} `json:"argument"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)

		f.mu.Lock()
		defer f.mu.Unlock()
		if f.consumed {
			http.Error(w, `{"errors":["contract not active"]}`, http.StatusNotFound)
			return
		}
		switch req.Choice {
		case "ExecuteDeliveryVsPayment":
			f.dvpCalls++
			f.lastDvPArgs = req.Argument
			if f.dvpCalls <= f.failDvP {
				http.Error(w, `{"errors":["insufficient holdings"]}`, http.StatusConflict)
				return
			}
			writeJSON(w, map[string]interface{}{
				"result": map[string]interface{}{"status": "completed"},
			})
		case "FailSettlement":
			f.failCalls++
			f.consumed = true
			writeJSON(w, map[string]interface{}{"result": map[string]interface{}{}})
		default:
			http.Error(w, "unknown choice", http.StatusBadRequest)
		}
	})
	mux.HandleFunc("/v1/query", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]interface{}{"result": []interface{}{}})
	})
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func newTestCoordinator(t *testing.T, ledger *fakeLedger) (*Coordinator, *gorm.DB) {
	t.Helper()
	srv := httptest.NewServer(ledger.handler())
	t.Cleanup(srv.Close)

	db, err := database.Open("sqlite", "file::memory:", 1, 1, time.Hour)
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))

	client := canton.NewClient(zap.NewNop(), srv.URL, 5*time.Second)
	// Zero backoff keeps failed records immediately due for ProcessDue.
	c := NewCoordinator(zap.NewNop(), db, client, 3, 0,
		"issuer::party", "cash::party")
	return c, db
}

func testRequest() Request {
	return Request{
		TradeID:            uuid.New(),
		BuyerParty:         "buyer::party",
		SellerParty:        "seller::party",
		Pair:               "tTBILL/USDT",
		Quantity:           decimal.NewFromInt(10),
		CashAmount:         decimal.NewFromInt(1000),
		BuyerSecuritiesRef: "sec-ref-1",
		SellerCashRef:      "cash-ref-1",
	}
}

func TestSettlementCompletesFirstAttempt(t *testing.T) {
	ledger := &fakeLedger{}
	coord, db := newTestCoordinator(t, ledger)

	record, err := coord.CreateAndExecute(context.Background(), testRequest())
	require.NoError(t, err)
	require.Equal(t, models.SettlementCompleted, record.Status)
	require.NotEmpty(t, record.ContractID)
	require.NotNil(t, record.CompletedAt)
	require.Equal(t, 1, record.Attempts)
	require.Equal(t, 1, ledger.dvpCalls)
	require.Zero(t, ledger.failCalls)

	var stored models.SettlementRecord
	require.NoError(t, db.Where("id = ?", record.ID).First(&stored).Error)
	require.Equal(t, models.SettlementCompleted, stored.Status)
}

func TestSettlementFailureSchedulesRetry(t *testing.T) {
	ledger := &fakeLedger{failDvP: 1}
	coord, db := newTestCoordinator(t, ledger)

	// The synchronous attempt fails: the record stays retryable, the
	// request itself does not error.
	record, err := coord.CreateAndExecute(context.Background(), testRequest())
	require.NoError(t, err)
	require.Equal(t, models.SettlementFailed, record.Status)
	require.Equal(t, 1, record.Attempts)
	require.NotNil(t, record.NextAttemptAt)
	require.NotEmpty(t, record.FailureReason)
	require.Equal(t, 1, ledger.dvpCalls)
	// A transient failure must not fail the contract: the fake rejects any
	// exercise after FailSettlement, so compensating here would make the
	// retry below impossible.
	require.Zero(t, ledger.failCalls)

	// The sweep picks the due record up and the retry lands.
	require.NoError(t, coord.ProcessDue(context.Background()))
	require.Equal(t, 2, ledger.dvpCalls)
	// The contract was created exactly once: the retried exchange is still
	// a single external effect.
	require.Equal(t, 1, ledger.createCalls)

	var stored models.SettlementRecord
	require.NoError(t, db.Where("id = ?", record.ID).First(&stored).Error)
	require.Equal(t, models.SettlementCompleted, stored.Status)
	require.Equal(t, 2, stored.Attempts)
	require.Nil(t, stored.NextAttemptAt)
}

func TestSettlementRetryStateSurvivesCoordinatorRestart(t *testing.T) {
	ledger := &fakeLedger{failDvP: 1}
	coord, db := newTestCoordinator(t, ledger)

	record, err := coord.CreateAndExecute(context.Background(), testRequest())
	require.NoError(t, err)
	require.Equal(t, models.SettlementFailed, record.Status)

	// A fresh coordinator over the same store finds the pending retry and
	// carries the persisted asset references into the exercise.
	replacement := NewCoordinator(zap.NewNop(), db, coord.client, 3, 0,
		"issuer::party", "cash::party")
	require.NoError(t, replacement.ProcessDue(context.Background()))
	require.Equal(t, "sec-ref-1", ledger.lastDvPArgs["buyerSecuritiesRef"])
	require.Equal(t, "cash-ref-1", ledger.lastDvPArgs["sellerCashRef"])

	var stored models.SettlementRecord
	require.NoError(t, db.Where("id = ?", record.ID).First(&stored).Error)
	require.Equal(t, models.SettlementCompleted, stored.Status)
	require.Equal(t, "sec-ref-1", stored.BuyerAssetRef)
	require.Equal(t, "cash-ref-1", stored.SellerCashRef)
}

func TestSettlementRollsBackAfterExhaustedRetries(t *testing.T) {
	ledger := &fakeLedger{failDvP: 100}
	coord, db := newTestCoordinator(t, ledger)

	record, err := coord.CreateAndExecute(context.Background(), testRequest())
	require.NoError(t, err)
	require.Equal(t, models.SettlementFailed, record.Status)

	// Two more sweeps exhaust the remaining attempts. Compensation fires
	// exactly once, on the terminal rollback.
	require.NoError(t, coord.ProcessDue(context.Background()))
	require.NoError(t, coord.ProcessDue(context.Background()))
	require.Equal(t, 3, ledger.dvpCalls)
	require.Equal(t, 1, ledger.failCalls)

	var stored models.SettlementRecord
	require.NoError(t, db.Where("id = ?", record.ID).First(&stored).Error)
	require.Equal(t, models.SettlementRolledBack, stored.Status)
	require.Equal(t, 3, stored.Attempts)
	require.NotEmpty(t, stored.FailureReason)

	// Terminal: another sweep finds nothing to do.
	require.NoError(t, coord.ProcessDue(context.Background()))
	require.Equal(t, 3, ledger.dvpCalls)
}

func TestSettlementRollsBackWhenContractCreationFails(t *testing.T) {
	ledger := &fakeLedger{}
	coord, db := newTestCoordinator(t, ledger)

	// Point the coordinator at a dead endpoint.
	deadClient := canton.NewClient(zap.NewNop(), "http://127.0.0.1:1", 500*time.Millisecond)
	coord.client = deadClient

	record, err := coord.CreateAndExecute(context.Background(), testRequest())
	require.ErrorIs(t, err, ErrSettlementFailed)
	require.Equal(t, models.SettlementRolledBack, record.Status)

	var stored models.SettlementRecord
	require.NoError(t, db.Where("id = ?", record.ID).First(&stored).Error)
	require.Equal(t, models.SettlementRolledBack, stored.Status)
}

func TestGetSettlement(t *testing.T) {
	ledger := &fakeLedger{}
	coord, _ := newTestCoordinator(t, ledger)

	req := testRequest()
	record, err := coord.CreateAndExecute(context.Background(), req)
	require.NoError(t, err)

	got, err := coord.GetSettlement(context.Background(), record.ID)
	require.NoError(t, err)
	require.Equal(t, record.ID, got.ID)
	require.Equal(t, models.SettlementCompleted, got.Status)

	byTrade, err := coord.GetSettlementByTrade(context.Background(), req.TradeID)
	require.NoError(t, err)
	require.Equal(t, record.ID, byTrade.ID)

	_, err = coord.GetSettlement(context.Background(), uuid.New())
	require.ErrorIs(t, err, ErrSettlementNotFound)

	// Unknown trade: local miss and an empty ledger query.
	_, err = coord.GetSettlementByTrade(context.Background(), uuid.New())
	require.ErrorIs(t, err, ErrSettlementNotFound)
}
