package payflow_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	solana "github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	payflow "github.com/darkresearch/mallory-sub002"
	"github.com/darkresearch/mallory-sub002/chain"
	"github.com/darkresearch/mallory-sub002/chain/chaintest"
	"github.com/darkresearch/mallory-sub002/custodian"
	"github.com/darkresearch/mallory-sub002/funding"
	"github.com/darkresearch/mallory-sub002/settlement"
	"github.com/darkresearch/mallory-sub002/sweep"
)

// roundtrip wires the real funding gateway, settlement handler, and sweep
// manager over one in-memory ledger, with nothing faked but the chain.
type roundtrip struct {
	ledger       *chaintest.Ledger
	custodial    solana.PublicKey
	orchestrator *payflow.Orchestrator
	identities   []*payflow.EphemeralIdentity

	initialUSDC uint64
	initialSOL  uint64
}

func newRoundtrip(t *testing.T, opts ...payflow.OrchestratorOption) *roundtrip {
	t.Helper()
	rt := &roundtrip{
		ledger:      chaintest.NewLedger(),
		initialUSDC: 50_000_000,    // 50 USDC
		initialSOL:  1_000_000_000, // 1 SOL
	}

	custodialKey, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)
	rt.custodial = custodialKey.PublicKey()
	rt.ledger.SetBalance(rt.custodial, chain.USDCDevnet, rt.initialUSDC)
	rt.ledger.SetBalance(rt.custodial, chain.SOL, rt.initialSOL)

	cust := custodian.NewLocal(custodialKey, rt.ledger)
	gateway, err := funding.NewGateway(cust, rt.ledger, chain.USDCDevnet, chain.SOL, "1.00", "0.01")
	require.NoError(t, err)
	handler := settlement.NewHandler(rt.ledger, "devnet", []chain.Asset{chain.USDCDevnet})
	manager := sweep.NewManager(rt.ledger, chain.USDCDevnet, chain.SOL)

	opts = append(opts, payflow.WithIdentityFactory(func(network payflow.Network) (*payflow.EphemeralIdentity, error) {
		id, err := payflow.NewEphemeralIdentity(network)
		if id != nil {
			rt.identities = append(rt.identities, id)
		}
		return id, err
	}))

	rt.orchestrator, err = payflow.NewOrchestrator(payflow.Config{
		Network:             "devnet",
		StableFunding:       "0.01",
		GasFunding:          "0.002",
		AutoApproveCeilings: map[string]string{"USDC": "0.10"},
		DustThresholds:      map[string]uint64{"USDC": 10_000, "SOL": 100_000},
		RetryBackoff:        time.Millisecond,
	}, gateway, handler, manager, opts...)
	require.NoError(t, err)
	return rt
}

// resourceServer issues a 402 until a decodable signed proof arrives, then
// either serves the payload or keeps rejecting, depending on accept.
func (rt *roundtrip) resourceServer(t *testing.T, accept bool) *httptest.Server {
	t.Helper()
	payToKey, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)
	payTo := payToKey.PublicKey()

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get(settlement.PaymentHeader)
		if header != "" && accept {
			scheme, network, txB64, err := settlement.DecodePaymentHeader(header)
			require.NoError(t, err)
			assert.Equal(t, "exact", scheme)
			assert.Equal(t, "devnet", network)
			tx, err := solana.TransactionFromBase64(txB64)
			require.NoError(t, err)
			require.NoError(t, tx.VerifySignatures())

			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, `{"data":"paid content"}`)
			return
		}

		w.WriteHeader(http.StatusPaymentRequired)
		if header != "" {
			fmt.Fprint(w, `{"reason":"proof refused"}`)
			return
		}
		fmt.Fprintf(w,
			`{"requiredAmount":1000,"asset":"USDC","network":"devnet","payToAddress":%q,"scheme":"exact"}`,
			payTo)
	}))
}

func (rt *roundtrip) ephemeralBalances(t *testing.T) (usdc, sol uint64) {
	t.Helper()
	require.Len(t, rt.identities, 1)
	addr := rt.identities[0].Address()
	return rt.ledger.GetBalance(addr, chain.USDCDevnet), rt.ledger.GetBalance(addr, chain.SOL)
}

func TestRoundtripHappyPathRecoversFunds(t *testing.T) {
	var flagged []string
	rt := newRoundtrip(t, payflow.WithRecoveryRecorder(func(address string, _ map[string]uint64) {
		flagged = append(flagged, address)
	}))
	srv := rt.resourceServer(t, true)
	defer srv.Close()

	payload, err := rt.orchestrator.PayAndFetch(context.Background(), payflow.PaymentRequirement{
		ResourceURL:  srv.URL,
		DeclaredCost: payflow.AssetAmount{Amount: "0.001", Asset: "USDC"},
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, payload.StatusCode)
	assert.JSONEq(t, `{"data":"paid content"}`, string(payload.Body))

	// The full stable funding comes home and the ephemeral address is empty.
	assert.Equal(t, rt.initialUSDC, rt.ledger.GetBalance(rt.custodial, chain.USDCDevnet))
	usdc, sol := rt.ephemeralBalances(t)
	assert.Zero(t, usdc)
	assert.Zero(t, sol)

	// SOL cost of the whole attempt is bounded by the two transaction fees;
	// the closed token account's rent reserve comes back on top.
	wantSOL := rt.initialSOL - 2*chain.SweepFeeLamports + rt.ledger.RentLamports
	assert.Equal(t, wantSOL, rt.ledger.GetBalance(rt.custodial, chain.SOL))
	assert.Empty(t, flagged)
}

func TestRoundtripRejectedPaymentStillRecoversFunds(t *testing.T) {
	rt := newRoundtrip(t)
	srv := rt.resourceServer(t, false)
	defer srv.Close()

	_, err := rt.orchestrator.PayAndFetch(context.Background(), payflow.PaymentRequirement{
		ResourceURL:  srv.URL,
		DeclaredCost: payflow.AssetAmount{Amount: "0.001", Asset: "USDC"},
	})
	require.True(t, payflow.IsCode(err, payflow.ErrCodePaymentRejected))

	assert.Equal(t, rt.initialUSDC, rt.ledger.GetBalance(rt.custodial, chain.USDCDevnet),
		"a rejected settlement must not cost the custodial wallet its stable funding")
	usdc, sol := rt.ephemeralBalances(t)
	assert.Zero(t, usdc)
	assert.Zero(t, sol)
}
