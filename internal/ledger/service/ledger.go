package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jmerrifield20/assetledger/internal/asset"
	"github.com/jmerrifield20/assetledger/internal/contract"
	"github.com/jmerrifield20/assetledger/internal/identity"
	"github.com/jmerrifield20/assetledger/internal/ledger/model"
	"github.com/jmerrifield20/assetledger/internal/store"
	"github.com/jmerrifield20/assetledger/internal/txn"
)

// Roles a node can run as. Both execute requests identically; the role only
// labels logs and metrics.
const (
	RoleLedger  = "ledger"
	RoleAuditor = "auditor"
)

// Config holds the tunables of a LedgerService.
type Config struct {
	Role      string
	Namespace string

	// Attempts bounds how many times an execution is retried after losing
	// a commit race.
	Attempts int
}

// LedgerService contains the request handling logic of a ledger node:
// signature checks, contract resolution, execution and chain validation.
type LedgerService struct {
	store  store.Store
	keys   *identity.KeyRegistry
	txns   *txn.Manager
	exec   *contract.Executor
	cfg    Config
	logger *zap.Logger
}

// NewLedgerService creates a LedgerService.
func NewLedgerService(s store.Store, keys *identity.KeyRegistry, txns *txn.Manager, exec *contract.Executor, cfg Config, logger *zap.Logger) *LedgerService {
	if cfg.Role == "" {
		cfg.Role = RoleLedger
	}
	if cfg.Namespace == "" {
		cfg.Namespace = asset.DefaultNamespace
	}
	if cfg.Attempts < 1 {
		cfg.Attempts = 1
	}
	return &LedgerService{
		store:  s,
		keys:   keys,
		txns:   txns,
		exec:   exec,
		cfg:    cfg,
		logger: logger.With(zap.String("role", cfg.Role)),
	}
}

// Role returns the configured node role.
func (s *LedgerService) Role() string { return s.cfg.Role }

func (s *LedgerService) verify(ctx context.Context, r model.Signed) error {
	entity, version := r.Signer()
	return s.keys.Verify(ctx, entity, version, r.Payload(), r.Sig())
}

// RegisterCertificate registers an asymmetric key. The request must be
// signed by the matching private key.
func (s *LedgerService) RegisterCertificate(ctx context.Context, req *model.RegisterCertificateRequest) (*model.KeyInfo, error) {
	key, err := identity.NewCertificateKey(req.EntityID, req.KeyVersion, []byte(req.Certificate))
	if err != nil {
		return nil, err
	}
	if err := key.Verify(req.Payload(), req.Signature); err != nil {
		return nil, err
	}
	if err := s.keys.Register(ctx, key); err != nil {
		return nil, err
	}
	return &model.KeyInfo{EntityID: key.EntityID, KeyVersion: key.Version, Algorithm: string(key.Algorithm)}, nil
}

// RegisterSecret registers an HMAC secret. Callers authorise the request
// before it reaches the service.
func (s *LedgerService) RegisterSecret(ctx context.Context, req *model.RegisterSecretRequest) (*model.KeyInfo, error) {
	key, err := identity.NewSecretKey(req.EntityID, req.KeyVersion, req.Secret)
	if err != nil {
		return nil, err
	}
	if err := s.keys.Register(ctx, key); err != nil {
		return nil, err
	}
	return &model.KeyInfo{EntityID: key.EntityID, KeyVersion: key.Version, Algorithm: string(key.Algorithm)}, nil
}

// RegisterContract binds req.ContractID to a compiled-in implementation.
func (s *LedgerService) RegisterContract(ctx context.Context, req *model.RegisterContractRequest) (*model.Contract, error) {
	if err := s.verify(ctx, req); err != nil {
		return nil, err
	}
	if _, err := s.exec.Registry().Lookup(req.Binary); err != nil {
		return nil, err
	}
	rec := &model.Contract{
		ID:         req.ContractID,
		Binary:     req.Binary,
		EntityID:   req.EntityID,
		KeyVersion: req.KeyVersion,
		CreatedAt:  time.Now().UTC(),
	}
	if len(req.Properties) > 0 {
		props, err := asset.Canonicalize(req.Properties)
		if err != nil {
			return nil, contract.ErrInvalidArgument.Wrap(err, "properties are not valid JSON")
		}
		rec.Properties = props
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encode contract: %w", err)
	}
	if err := s.store.Register(ctx, store.KindContract, rec.ID, raw); err != nil {
		if errors.Is(err, store.ErrAlreadyRegistered) {
			return nil, contract.ErrAlreadyExists.New(rec.ID)
		}
		return nil, err
	}
	s.logger.Info("contract registered",
		zap.String("contract_id", rec.ID),
		zap.String("binary", rec.Binary),
		zap.String("entity_id", rec.EntityID),
	)
	return rec, nil
}

// GetContract returns the registered contract id.
func (s *LedgerService) GetContract(ctx context.Context, id string) (*model.Contract, error) {
	raw, err := s.store.Lookup(ctx, store.KindContract, id)
	if err != nil {
		if errors.Is(err, store.ErrNotRegistered) {
			return nil, contract.ErrNotFound.New(id)
		}
		return nil, err
	}
	var c model.Contract
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("decode contract %s: %w", id, err)
	}
	return &c, nil
}

// ListContracts returns every registered contract.
func (s *LedgerService) ListContracts(ctx context.Context) ([]*model.Contract, error) {
	entries, err := s.store.List(ctx, store.KindContract)
	if err != nil {
		return nil, err
	}
	out := make([]*model.Contract, 0, len(entries))
	for _, e := range entries {
		var c model.Contract
		if err := json.Unmarshal(e.Value, &c); err != nil {
			return nil, fmt.Errorf("decode contract %s: %w", e.Key, err)
		}
		out = append(out, &c)
	}
	return out, nil
}

// Binaries lists the compiled-in implementations contracts can bind to.
func (s *LedgerService) Binaries() []string {
	return s.exec.Registry().Names()
}

// Execute verifies req, runs its contract in a transaction and commits the
// writes. Lost commit races are retried with fresh reads.
func (s *LedgerService) Execute(ctx context.Context, req *model.ExecuteRequest) (*model.ExecutionResult, error) {
	if err := s.verify(ctx, req); err != nil {
		return nil, err
	}
	c, err := s.GetContract(ctx, req.ContractID)
	if err != nil {
		return nil, err
	}
	arg, err := contract.ParseArgument(req.Argument, req.Nonce)
	if err != nil {
		return nil, err
	}

	treq := txn.Request{
		EntityID:   req.EntityID,
		Nonce:      req.Nonce,
		ContractID: c.ID,
		Argument:   arg.Raw(),
		Signature:  req.Signature,
	}
	out, receipt, err := s.txns.Run(ctx, treq, s.cfg.Attempts, func(ctx context.Context, tx *txn.Transaction) (any, error) {
		return s.exec.Execute(ctx, tx, c.Binary, arg, c.Properties)
	})
	if err != nil {
		s.logger.Info("execution failed",
			zap.String("contract_id", c.ID),
			zap.String("entity_id", req.EntityID),
			zap.String("nonce", req.Nonce),
			zap.Error(err),
		)
		return nil, err
	}

	s.logger.Info("execution committed",
		zap.String("tx_id", receipt.TxID),
		zap.String("contract_id", c.ID),
		zap.Int("records", len(receipt.Records)),
	)
	return &model.ExecutionResult{
		TxID:   receipt.TxID,
		Result: out.(json.RawMessage),
		Proofs: receipt.Proofs(),
	}, nil
}

// History returns the versions of f.Key matching f. An empty namespace
// means the configured default.
func (s *LedgerService) History(ctx context.Context, f asset.Filter) (*model.HistoryResult, error) {
	if f.Key.Namespace == "" {
		f.Key.Namespace = s.cfg.Namespace
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	records, err := s.store.Scan(ctx, f)
	if err != nil {
		return nil, err
	}
	return &model.HistoryResult{Key: f.Key, Records: records}, nil
}

// Validate verifies the chain of one asset over the requested age range,
// including the link from the first requested age to its predecessor.
func (s *LedgerService) Validate(ctx context.Context, req *model.ValidateRequest) (*model.ValidationResult, error) {
	if err := s.verify(ctx, req); err != nil {
		return nil, err
	}
	ns := req.Namespace
	if ns == "" {
		ns = s.cfg.Namespace
	}
	key := asset.NewKey(ns, req.AssetID)
	if err := key.Validate(); err != nil {
		return nil, err
	}

	f := asset.NewFilter(key).WithStart(req.StartAge, true)
	if req.StartAge > 0 {
		f = f.WithStart(req.StartAge-1, true)
	}
	if req.EndAge != nil {
		if *req.EndAge < req.StartAge {
			return nil, asset.ErrInvalidFilter.New("end age is below start age")
		}
		f = f.WithEnd(*req.EndAge, true)
	}
	records, err := s.store.Scan(ctx, f)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 || records[len(records)-1].Age < req.StartAge {
		return nil, contract.ErrAssetNotFound.New(key.String())
	}
	if err := asset.VerifyChain(records); err != nil {
		s.logger.Warn("chain validation failed", zap.String("key", key.String()), zap.Error(err))
		return nil, err
	}
	if records[0].Age < req.StartAge {
		records = records[1:]
	}

	proofs := make([]asset.Proof, len(records))
	for i, r := range records {
		proofs[i] = r.Proof()
	}
	return &model.ValidationResult{Key: key, Count: len(records), Proofs: proofs}, nil
}

// Abort cancels the execution of (req.EntityID, req.Nonce).
func (s *LedgerService) Abort(ctx context.Context, req *model.AbortRequest) error {
	if err := s.verify(ctx, req); err != nil {
		return err
	}
	return s.txns.Abort(ctx, req.EntityID, req.Nonce)
}

// State resolves the state of a transaction id.
func (s *LedgerService) State(ctx context.Context, txID string) (*model.TxStatus, error) {
	if _, err := uuid.Parse(txID); err != nil {
		return nil, txn.ErrInvalidRequest.New(fmt.Sprintf("malformed transaction id %q", txID))
	}
	st, err := s.txns.State(ctx, txID)
	if err != nil {
		return nil, err
	}
	return &model.TxStatus{TxID: txID, State: st.String()}, nil
}
