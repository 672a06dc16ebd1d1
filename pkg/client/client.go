package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jmerrifield20/assetledger/internal/auditor"
	"github.com/jmerrifield20/assetledger/internal/fault"
	"github.com/jmerrifield20/assetledger/internal/identity"
	"github.com/jmerrifield20/assetledger/internal/ledger/model"
	"github.com/jmerrifield20/assetledger/internal/txn"
)

// ErrAuditorUnavailable is returned together with the ledger's result when
// the auditor did not answer in time. The result is then unaudited.
var ErrAuditorUnavailable = fault.Kind{Subsystem: "CLIENT", Number: 1, Status: fault.Unavailable, Template: "auditor %s did not answer"}

// ErrNoSigner is returned by calls that need a signature when the client
// was built without WithSigner.
var ErrNoSigner = errors.New("client has no signer configured")

// Error is a failure reported by a ledger node.
type Error struct {
	HTTPStatus int
	Code       fault.StatusCode
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("ledger error %d %s: %s", int(e.Code), e.Code, e.Message)
}

// StatusCode implements fault.Coder, so fault.CodeOf works on client errors.
func (e *Error) StatusCode() fault.StatusCode { return e.Code }

// Client talks to a ledger node and, optionally, an auditor node that
// executes the same requests independently.
type Client struct {
	ledgerBase     string
	auditorBase    string
	auditorTimeout time.Duration
	httpClient     *http.Client
	signer         *identity.Signer
	adminSecret    string
	attempts       int
	backoff        txn.Backoff
}

// Option is a functional option for configuring a Client.
type Option func(*Client) error

// WithHTTPClient sets a custom http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) error {
		c.httpClient = hc
		return nil
	}
}

// WithSigner sets the identity requests are signed with.
func WithSigner(s *identity.Signer) Option {
	return func(c *Client) error {
		c.signer = s
		return nil
	}
}

// WithAuditor sends every execution to the auditor at base as well and
// compares both answers. timeout bounds the wait for the auditor.
func WithAuditor(base string, timeout time.Duration) Option {
	return func(c *Client) error {
		if base == "" {
			return errors.New("auditor URL is required")
		}
		c.auditorBase = strings.TrimRight(base, "/")
		c.auditorTimeout = timeout
		return nil
	}
}

// WithConflictRetry resubmits an execution that lost a commit race until
// attempts executions have been made, waiting between them as set by
// WithRetryBackoff.
func WithConflictRetry(attempts int) Option {
	return func(c *Client) error {
		if attempts < 1 {
			return fmt.Errorf("conflict retry attempts must be at least 1, got %d", attempts)
		}
		c.attempts = attempts
		return nil
	}
}

// WithRetryBackoff sets the wait between conflict retries. It starts at
// initial and doubles up to maxDelay. The default is txn.DefaultBackoff.
func WithRetryBackoff(initial, maxDelay time.Duration) Option {
	return func(c *Client) error {
		if initial <= 0 || maxDelay < initial {
			return fmt.Errorf("invalid retry backoff %s..%s", initial, maxDelay)
		}
		c.backoff = txn.Backoff{Initial: initial, Max: maxDelay}
		return nil
	}
}

// WithAdminSecret sets the operator secret RegisterSecret authenticates with.
func WithAdminSecret(secret string) Option {
	return func(c *Client) error {
		c.adminSecret = secret
		return nil
	}
}

// New creates a Client for the ledger node at ledgerBase.
//
//	c, err := client.New("http://localhost:8080",
//	    client.WithSigner(signer),
//	    client.WithAuditor("http://localhost:8081", 5*time.Second),
//	)
func New(ledgerBase string, opts ...Option) (*Client, error) {
	if ledgerBase == "" {
		return nil, errors.New("ledger URL is required")
	}
	c := &Client{
		ledgerBase:     strings.TrimRight(ledgerBase, "/"),
		auditorTimeout: 10 * time.Second,
		httpClient:     &http.Client{Timeout: 30 * time.Second},
		attempts:       1,
		backoff:        txn.DefaultBackoff,
	}
	for _, o := range opts {
		if err := o(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// MustNew is like New but panics on error. Useful in tests and program init.
func MustNew(ledgerBase string, opts ...Option) *Client {
	c, err := New(ledgerBase, opts...)
	if err != nil {
		panic(err)
	}
	return c
}

func (c *Client) sign(r model.Signed) ([]byte, error) {
	if c.signer == nil {
		return nil, ErrNoSigner
	}
	return c.signer.Sign(r.Payload())
}

// bases returns the nodes a registration must reach.
func (c *Client) bases() []string {
	if c.auditorBase == "" {
		return []string{c.ledgerBase}
	}
	return []string{c.ledgerBase, c.auditorBase}
}

// RegisterCertificate registers the signer's public key, given as a PEM
// public key or certificate, on every configured node.
func (c *Client) RegisterCertificate(ctx context.Context, certPEM string) (*model.KeyInfo, error) {
	if c.signer == nil {
		return nil, ErrNoSigner
	}
	req := &model.RegisterCertificateRequest{
		EntityID:    c.signer.EntityID(),
		KeyVersion:  c.signer.KeyVersion(),
		Certificate: certPEM,
	}
	sig, err := c.sign(req)
	if err != nil {
		return nil, err
	}
	req.Signature = sig

	var info model.KeyInfo
	for _, base := range c.bases() {
		if err := c.post(ctx, base, "/api/v1/certificates", req, &info); err != nil {
			return nil, err
		}
	}
	return &info, nil
}

// RegisterSecret registers an HMAC secret for entityID on every configured
// node. It requires WithAdminSecret.
func (c *Client) RegisterSecret(ctx context.Context, entityID string, version uint64, secret []byte) (*model.KeyInfo, error) {
	req := &model.RegisterSecretRequest{EntityID: entityID, KeyVersion: version, Secret: secret}
	var info model.KeyInfo
	for _, base := range c.bases() {
		body, err := json.Marshal(req)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/api/v1/secrets", bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Authorization", "Bearer "+c.adminSecret)
		if err := c.do(httpReq, &info); err != nil {
			return nil, err
		}
	}
	return &info, nil
}

// RegisterContract binds contractID to a compiled-in binary on every
// configured node.
func (c *Client) RegisterContract(ctx context.Context, contractID, binary string, properties json.RawMessage) (*model.Contract, error) {
	if c.signer == nil {
		return nil, ErrNoSigner
	}
	req := &model.RegisterContractRequest{
		EntityID:   c.signer.EntityID(),
		KeyVersion: c.signer.KeyVersion(),
		ContractID: contractID,
		Binary:     binary,
		Properties: properties,
	}
	sig, err := c.sign(req)
	if err != nil {
		return nil, err
	}
	req.Signature = sig

	var rec model.Contract
	for _, base := range c.bases() {
		if err := c.post(ctx, base, "/api/v1/contracts", req, &rec); err != nil {
			return nil, err
		}
	}
	return &rec, nil
}

// GetContract fetches a registered contract from the ledger.
func (c *Client) GetContract(ctx context.Context, contractID string) (*model.Contract, error) {
	var rec model.Contract
	if err := c.get(ctx, "/api/v1/contracts/"+url.PathEscape(contractID), &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Execute runs contractID with arg under a fresh nonce. See ExecuteWithNonce.
func (c *Client) Execute(ctx context.Context, contractID string, arg any) (*model.ExecutionResult, error) {
	return c.ExecuteWithNonce(ctx, contractID, uuid.NewString(), arg)
}

// ExecuteWithNonce signs and submits an execution. arg is encoded as JSON
// unless it already is a json.RawMessage.
//
// With an auditor configured the same signed request is sent to it after
// the ledger committed, and both answers must agree: a disagreement
// returns an auditor.ErrInconsistent error and no result. When the auditor
// does not answer, the ledger's result is returned together with an
// ErrAuditorUnavailable error.
func (c *Client) ExecuteWithNonce(ctx context.Context, contractID, nonce string, arg any) (*model.ExecutionResult, error) {
	if c.signer == nil {
		return nil, ErrNoSigner
	}
	raw, ok := arg.(json.RawMessage)
	if !ok {
		b, err := json.Marshal(arg)
		if err != nil {
			return nil, fmt.Errorf("marshal argument: %w", err)
		}
		raw = b
	}
	req := &model.ExecuteRequest{
		EntityID:   c.signer.EntityID(),
		KeyVersion: c.signer.KeyVersion(),
		ContractID: contractID,
		Argument:   raw,
		Nonce:      nonce,
	}
	sig, err := c.sign(req)
	if err != nil {
		return nil, err
	}
	req.Signature = sig

	var primary model.ExecutionResult
	if err := c.submit(ctx, req, &primary); err != nil {
		return nil, err
	}
	if c.auditorBase == "" {
		return &primary, nil
	}

	actx, cancel := context.WithTimeout(ctx, c.auditorTimeout)
	defer cancel()
	var audit model.ExecutionResult
	if err := c.post(actx, c.auditorBase, "/api/v1/execute", req, &audit); err != nil {
		var lerr *Error
		if errors.As(err, &lerr) && lerr.Code != fault.Unavailable {
			return nil, auditor.ErrInconsistent.Wrap(err, "outcome")
		}
		return &primary, ErrAuditorUnavailable.Wrap(err, c.auditorBase)
	}
	return auditor.Validate(&primary, &audit)
}

// submit posts req to the ledger, retrying lost commit races with
// backoff until the configured attempts are used up.
func (c *Client) submit(ctx context.Context, req *model.ExecuteRequest, out *model.ExecutionResult) error {
	var err error
	for attempt := 0; attempt < c.attempts; attempt++ {
		if attempt > 0 {
			t := time.NewTimer(c.backoff.Delay(attempt - 1))
			select {
			case <-ctx.Done():
				t.Stop()
				return errors.Join(err, ctx.Err())
			case <-t.C:
			}
		}
		err = c.post(ctx, c.ledgerBase, "/api/v1/execute", req, out)
		if err == nil || !retryable(err) {
			return err
		}
	}
	return err
}

func retryable(err error) bool {
	code := fault.CodeOf(err)
	return code == fault.Conflict || code == fault.TransactionAborted
}

// Validate asks the ledger to verify the chain of one asset from startAge
// up to endAge, or to the latest version when endAge is nil.
func (c *Client) Validate(ctx context.Context, namespace, assetID string, startAge uint64, endAge *uint64) (*model.ValidationResult, error) {
	if c.signer == nil {
		return nil, ErrNoSigner
	}
	req := &model.ValidateRequest{
		EntityID:   c.signer.EntityID(),
		KeyVersion: c.signer.KeyVersion(),
		Namespace:  namespace,
		AssetID:    assetID,
		StartAge:   startAge,
		EndAge:     endAge,
		Nonce:      uuid.NewString(),
	}
	sig, err := c.sign(req)
	if err != nil {
		return nil, err
	}
	req.Signature = sig

	var res model.ValidationResult
	if err := c.post(ctx, c.ledgerBase, "/api/v1/assets/validate", req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// HistoryQuery selects part of an asset's history. Nil bounds are open.
type HistoryQuery struct {
	Namespace      string
	StartAge       *uint64
	StartExclusive bool
	EndAge         *uint64
	EndExclusive   bool
	Descending     bool
	Limit          int
}

func (q HistoryQuery) values() url.Values {
	v := url.Values{}
	if q.Namespace != "" {
		v.Set("namespace", q.Namespace)
	}
	if q.StartAge != nil {
		v.Set("start_age", strconv.FormatUint(*q.StartAge, 10))
		if q.StartExclusive {
			v.Set("start_exclusive", "true")
		}
	}
	if q.EndAge != nil {
		v.Set("end_age", strconv.FormatUint(*q.EndAge, 10))
		if q.EndExclusive {
			v.Set("end_exclusive", "true")
		}
	}
	if q.Descending {
		v.Set("order", "desc")
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	return v
}

// History returns versions of assetID selected by q.
func (c *Client) History(ctx context.Context, assetID string, q HistoryQuery) (*model.HistoryResult, error) {
	path := "/api/v1/assets/" + url.PathEscape(assetID) + "/history"
	if enc := q.values().Encode(); enc != "" {
		path += "?" + enc
	}
	var res model.HistoryResult
	if err := c.get(ctx, path, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Abort cancels the execution submitted under nonce on every configured
// node. It fails once the ledger has committed it.
func (c *Client) Abort(ctx context.Context, nonce string) error {
	if c.signer == nil {
		return ErrNoSigner
	}
	req := &model.AbortRequest{
		EntityID:   c.signer.EntityID(),
		KeyVersion: c.signer.KeyVersion(),
		Nonce:      nonce,
	}
	sig, err := c.sign(req)
	if err != nil {
		return err
	}
	req.Signature = sig
	for _, base := range c.bases() {
		if err := c.post(ctx, base, "/api/v1/transactions/abort", req, nil); err != nil {
			return err
		}
	}
	return nil
}

// State returns the ledger's state for txID.
func (c *Client) State(ctx context.Context, txID string) (*model.TxStatus, error) {
	var st model.TxStatus
	if err := c.get(ctx, "/api/v1/transactions/"+url.PathEscape(txID)+"/state", &st); err != nil {
		return nil, err
	}
	return &st, nil
}

func (c *Client) post(ctx context.Context, base, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.ledgerBase+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	return c.do(req, out)
}

// do executes req and decodes a successful body into out. Failures carrying
// an error body come back as *Error.
func (c *Client) do(req *http.Request, out any) error {
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 300 {
		var e model.ErrorResponse
		if err := json.Unmarshal(body, &e); err != nil || e.StatusCode == 0 {
			return &Error{HTTPStatus: resp.StatusCode, Code: fault.RuntimeError, Message: strings.TrimSpace(string(body))}
		}
		return &Error{HTTPStatus: resp.StatusCode, Code: fault.StatusCode(e.StatusCode), Message: e.Message}
	}
	if out != nil && len(body) > 0 {
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
