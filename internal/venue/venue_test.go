package venue

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rewired-gh/tradeloop/internal/models"
)

func testKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return key
}

func pkcs1PEM(key *rsa.PrivateKey) string {
	return string(pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}))
}

func pkcs8PEM(t *testing.T, key *rsa.PrivateKey) string {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)
	return string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}))
}

func TestParsePrivateKey(t *testing.T) {
	key := testKey(t)

	k1, err := ParsePrivateKey(pkcs1PEM(key))
	require.NoError(t, err)
	assert.True(t, key.Equal(k1))

	k8, err := ParsePrivateKey(pkcs8PEM(t, key))
	require.NoError(t, err)
	assert.True(t, key.Equal(k8))

	_, err = ParsePrivateKey("not a key")
	assert.Error(t, err)

	_, err = ParsePrivateKey(string(pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: []byte{1}})))
	assert.Error(t, err)
}

func TestSignBindsRequest(t *testing.T) {
	key := testKey(t)
	s, err := NewSigner("key-1", pkcs1PEM(key), time.Minute)
	require.NoError(t, err)

	body := []byte(`{"symbol":"MKT"}`)
	token, err := s.Sign(http.MethodPost, "/orders", body)
	require.NoError(t, err)

	claims, err := Verify(token, &key.PublicKey, http.MethodPost, "/orders", body)
	require.NoError(t, err)
	assert.Equal(t, "key-1", claims.Subject)
	assert.NotEmpty(t, claims.ID)
	assert.NotZero(t, claims.Timestamp)

	_, err = Verify(token, &key.PublicKey, http.MethodPost, "/orders", []byte(`{"symbol":"OTHER"}`))
	assert.Error(t, err, "tampered body must not verify")
	_, err = Verify(token, &key.PublicKey, http.MethodGet, "/orders", body)
	assert.Error(t, err)

	other := testKey(t)
	_, err = Verify(token, &other.PublicKey, http.MethodPost, "/orders", body)
	assert.Error(t, err)
}

func newVenueServer(t *testing.T, key *rsa.PrivateKey, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if _, err := Verify(token, &key.PublicKey, r.Method, r.URL.Path, body); err != nil {
			http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
			return
		}
		r.Body = io.NopCloser(strings.NewReader(string(body)))
		handler(w, r)
	}))
	t.Cleanup(srv.Close)

	signer, err := NewSigner("key-1", pkcs1PEM(key), time.Minute)
	require.NoError(t, err)
	c := NewClient(srv.URL, signer, 2*time.Second)
	c.retryDelay = time.Millisecond
	return c, srv
}

func TestClientPlaceOrder(t *testing.T) {
	key := testKey(t)
	c, _ := newVenueServer(t, key, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/orders", r.URL.Path)
		var req OrderRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		_ = json.NewEncoder(w).Encode(OrderResult{
			OrderID:    "v-1",
			Status:     OrderFilled,
			FilledSize: req.Size,
			AvgPrice:   req.Price,
			CashDelta:  req.Size.Neg(),
		})
	})

	res, err := c.PlaceOrder(context.Background(), OrderRequest{
		ClientOrderID: "sig-1", Symbol: "MKT", Action: models.ActionBuy, Side: models.SideYes,
		Price: 0.8, Size: decimal.RequireFromString("18.75"),
	})
	require.NoError(t, err)
	assert.Equal(t, "v-1", res.OrderID)
	assert.True(t, res.CashDelta.Equal(decimal.RequireFromString("-18.75")))
}

func TestClientOrderNotRetried(t *testing.T) {
	key := testKey(t)
	var calls atomic.Int32
	c, _ := newVenueServer(t, key, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := c.PlaceOrder(context.Background(), OrderRequest{
		ClientOrderID: "sig-1", Symbol: "MKT", Action: models.ActionBuy, Side: models.SideYes,
		Price: 0.5, Size: decimal.NewFromInt(1),
	})
	assert.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestClientReadsRetry5xx(t *testing.T) {
	key := testKey(t)
	var calls atomic.Int32
	c, _ := newVenueServer(t, key, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		switch r.URL.Path {
		case "/balance":
			_, _ = w.Write([]byte(`{"available":"297.50"}`))
		default:
			_ = json.NewEncoder(w).Encode(Orderbook{
				Bids: []Level{{Price: 0.40, Size: 10}},
				Asks: []Level{{Price: 0.44, Size: 5}},
			})
		}
	})

	bal, err := c.GetBalance(context.Background())
	require.NoError(t, err)
	assert.True(t, bal.Equal(decimal.RequireFromString("297.5")))
	assert.Equal(t, int32(3), calls.Load())

	book, err := c.GetOrderbook(context.Background(), "MKT")
	require.NoError(t, err)
	assert.Equal(t, "MKT", book.Symbol)
	mid, ok := book.Mid()
	require.True(t, ok)
	assert.InDelta(t, 0.42, mid, 1e-9)
}

func TestOrderbookMid(t *testing.T) {
	tests := []struct {
		name string
		book Orderbook
		want float64
		ok   bool
	}{
		{"both sides", Orderbook{Bids: []Level{{0.3, 1}, {0.35, 1}}, Asks: []Level{{0.45, 1}, {0.4, 1}}}, 0.375, true},
		{"bids only", Orderbook{Bids: []Level{{0.3, 1}}}, 0.3, true},
		{"empty levels ignored", Orderbook{Bids: []Level{{0.9, 0}}, Asks: []Level{{0.5, 2}}}, 0.5, true},
		{"empty", Orderbook{}, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := tt.book.Mid()
			assert.Equal(t, tt.ok, ok)
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}
}

func TestPaperExchange(t *testing.T) {
	p := NewPaper(decimal.NewFromInt(20), decimal.RequireFromString("0.01"), nil)
	ctx := context.Background()

	req := OrderRequest{ClientOrderID: "s1", Symbol: "MKT", Action: models.ActionBuy, Side: models.SideYes,
		Price: 0.6, Size: decimal.NewFromInt(10)}
	res, err := p.PlaceOrder(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, OrderFilled, res.Status)
	assert.True(t, res.CashDelta.Equal(decimal.RequireFromString("-10.1")))

	bal, err := p.GetBalance(ctx)
	require.NoError(t, err)
	assert.True(t, bal.Equal(decimal.RequireFromString("9.9")))

	_, err = p.PlaceOrder(ctx, req)
	assert.ErrorIs(t, err, ErrInsufficientCash)

	bad := req
	bad.Price = 1
	_, err = p.PlaceOrder(ctx, bad)
	assert.ErrorIs(t, err, ErrInvalidOrderInput)

	_, err = p.GetOrderbook(ctx, "MKT")
	assert.ErrorIs(t, err, ErrUnknownSymbol)
	p.SetBook(Orderbook{Symbol: "MKT", Bids: []Level{{0.5, 1}}})
	book, err := p.GetOrderbook(ctx, "MKT")
	require.NoError(t, err)
	assert.Equal(t, "MKT", book.Symbol)
	assert.Len(t, p.Orders(), 1)
}
