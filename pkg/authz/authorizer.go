// Package authz validates delegated spend requests against the spending
// policies mirrored from the settlement chain. Policies are cached
// copy-on-write: every sync replaces the whole snapshot map behind an
// atomic pointer, so a concurrent spend check never observes a policy with
// fields from two different versions.
package authz

import (
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/cel-go/cel"

	"github.com/coldwallet-labs/bridgerelay/pkg/contracts"
)

// Decision is the authorizer's verdict on a spend request.
type Decision struct {
	Accepted bool
	Reason   contracts.RejectReason
	Detail   string

	// Policy is the snapshot the decision was made against; the caller
	// builds the spend intent from its delegate.
	Policy *contracts.PolicySnapshot
}

func rejected(reason contracts.RejectReason, detail string) *Decision {
	return &Decision{Reason: reason, Detail: detail}
}

type policyEntry struct {
	snapshot *contracts.PolicySnapshot
	programs []cel.Program
}

// policyMap is replaced wholesale on every sync, never mutated in place.
type policyMap map[string]*policyEntry

type periodWindow struct {
	start time.Time
	spent *big.Int
	// held maps operation id to the amount it accrued in this window, so
	// accrual and release are idempotent per operation.
	held map[string]*big.Int
}

// Authorizer checks spend requests against cached policies and accounts
// accepted amounts against each cold wallet's active period window.
type Authorizer struct {
	env      *cel.Env
	policies atomic.Pointer[policyMap]
	logger   *slog.Logger
	clock    func() time.Time

	mu      sync.Mutex
	windows map[string]*periodWindow
}

// New creates an authorizer with an empty policy cache.
func New() (*Authorizer, error) {
	env, err := cel.NewEnv(
		cel.Variable("amount", cel.IntType),
		cel.Variable("recipient", cel.StringType),
		cel.Variable("cold_wallet", cel.StringType),
		cel.Variable("delegate", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("cel env: %w", err)
	}
	a := &Authorizer{
		env:     env,
		logger:  slog.Default().With("component", "authz"),
		clock:   time.Now,
		windows: make(map[string]*periodWindow),
	}
	empty := make(policyMap)
	a.policies.Store(&empty)
	return a, nil
}

// WithClock overrides the clock for testing period windows.
func (a *Authorizer) WithClock(clock func() time.Time) *Authorizer {
	a.clock = clock
	return a
}

// Sync installs a policy snapshot, compiling its rules. Returns false and
// leaves the cache untouched when the snapshot is not newer than the
// cached version — replayed policy events are expected, not an error.
func (a *Authorizer) Sync(policy *contracts.PolicySnapshot) (bool, error) {
	if policy == nil || policy.ColdWallet == "" {
		return false, fmt.Errorf("policy snapshot requires a cold wallet")
	}

	programs := make([]cel.Program, 0, len(policy.Rules))
	for i, rule := range policy.Rules {
		ast, issues := a.env.Compile(rule)
		if issues != nil && issues.Err() != nil {
			return false, fmt.Errorf("policy %s rule %d: %w", policy.ColdWallet, i, issues.Err())
		}
		prg, err := a.env.Program(ast)
		if err != nil {
			return false, fmt.Errorf("policy %s rule %d: %w", policy.ColdWallet, i, err)
		}
		programs = append(programs, prg)
	}

	entry := &policyEntry{snapshot: policy.Clone(), programs: programs}
	for {
		current := a.policies.Load()
		if existing, ok := (*current)[policy.ColdWallet]; ok && existing.snapshot.Version >= policy.Version {
			a.logger.Info("dropping stale policy sync",
				"cold_wallet", policy.ColdWallet,
				"version", policy.Version,
				"cached_version", existing.snapshot.Version,
			)
			return false, nil
		}
		next := make(policyMap, len(*current)+1)
		for k, v := range *current {
			next[k] = v
		}
		next[policy.ColdWallet] = entry
		if a.policies.CompareAndSwap(current, &next) {
			a.logger.Info("policy installed",
				"cold_wallet", policy.ColdWallet,
				"version", policy.Version,
				"required_signers", policy.RequiredSigners,
			)
			return true, nil
		}
	}
}

// Policy returns the cached snapshot for a cold wallet, or nil.
func (a *Authorizer) Policy(coldWallet string) *contracts.PolicySnapshot {
	if entry, ok := (*a.policies.Load())[coldWallet]; ok {
		return entry.snapshot.Clone()
	}
	return nil
}

// Authorize validates a spend request. Checks run in order: policy
// presence and staleness, amount against the period limit, recipient
// allow-list, rule expressions, co-signer threshold. The first failure
// rejects with its specific reason. Accepting the request accrues its
// amount against the cold wallet's active period window. Accrual is
// idempotent per operation id, so re-authorizing a request that is being
// driven again charges the window once; callers that fail to land an
// accepted spend hand the allowance back with Release.
func (a *Authorizer) Authorize(req *contracts.SpendRequest) *Decision {
	entry, ok := (*a.policies.Load())[req.ColdWallet]
	if !ok {
		return rejected(contracts.ReasonStalePolicy,
			fmt.Sprintf("no policy synced for cold wallet %s", req.ColdWallet))
	}
	policy := entry.snapshot
	if req.MinPolicyVersion > 0 && policy.Version < req.MinPolicyVersion {
		return rejected(contracts.ReasonStalePolicy,
			fmt.Sprintf("policy version %d older than required %d", policy.Version, req.MinPolicyVersion))
	}

	if req.Amount == nil || req.Amount.Sign() <= 0 {
		return rejected(contracts.ReasonAmountExceedsLimit, "amount must be positive")
	}
	if d := a.checkPeriodLimit(req, policy); d != nil {
		return d
	}
	if d := checkRecipient(req, policy); d != nil {
		return d
	}
	if d := a.checkRules(req, entry); d != nil {
		return d
	}
	if d := checkApprovals(req, policy); d != nil {
		return d
	}

	a.accrue(req, policy)
	return &Decision{Accepted: true, Policy: policy.Clone()}
}

func (a *Authorizer) checkPeriodLimit(req *contracts.SpendRequest, policy *contracts.PolicySnapshot) *Decision {
	if policy.PeriodLimit == nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	w := a.windowLocked(req.ColdWallet, policy)
	if _, ok := w.held[req.OperationID()]; ok {
		// Already counted in this window; a request driven again is not
		// charged twice.
		return nil
	}
	total := new(big.Int).Add(w.spent, req.Amount)
	if total.Cmp(policy.PeriodLimit) > 0 {
		return rejected(contracts.ReasonAmountExceedsLimit,
			fmt.Sprintf("amount %s plus %s already spent exceeds period limit %s",
				req.Amount, w.spent, policy.PeriodLimit))
	}
	return nil
}

// windowLocked returns the active period window, rolling it over when the
// period has elapsed.
func (a *Authorizer) windowLocked(coldWallet string, policy *contracts.PolicySnapshot) *periodWindow {
	now := a.clock()
	w, ok := a.windows[coldWallet]
	if !ok || (policy.Period > 0 && now.Sub(w.start) >= policy.Period) {
		w = &periodWindow{start: now, spent: new(big.Int), held: make(map[string]*big.Int)}
		a.windows[coldWallet] = w
	}
	return w
}

func (a *Authorizer) accrue(req *contracts.SpendRequest, policy *contracts.PolicySnapshot) {
	if policy.PeriodLimit == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	w := a.windowLocked(req.ColdWallet, policy)
	opID := req.OperationID()
	if _, ok := w.held[opID]; ok {
		return
	}
	w.spent.Add(w.spent, req.Amount)
	w.held[opID] = new(big.Int).Set(req.Amount)
}

// Release returns an accrued amount to the cold wallet's period window
// when the spend terminally failed to land. Releasing an operation that
// holds nothing in the active window is a no-op, so every failure path may
// call it without further bookkeeping.
func (a *Authorizer) Release(req *contracts.SpendRequest) {
	entry, ok := (*a.policies.Load())[req.ColdWallet]
	if !ok || entry.snapshot.PeriodLimit == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	w := a.windowLocked(req.ColdWallet, entry.snapshot)
	opID := req.OperationID()
	amount, held := w.held[opID]
	if !held {
		return
	}
	delete(w.held, opID)
	w.spent.Sub(w.spent, amount)
	if w.spent.Sign() < 0 {
		w.spent.SetInt64(0)
	}
}

func checkRecipient(req *contracts.SpendRequest, policy *contracts.PolicySnapshot) *Decision {
	if len(policy.AllowedRecipients) == 0 {
		return nil
	}
	for _, allowed := range policy.AllowedRecipients {
		if allowed == req.Recipient {
			return nil
		}
	}
	return rejected(contracts.ReasonRecipientNotAllowed,
		fmt.Sprintf("recipient %s is not on the allow-list", req.Recipient))
}

func (a *Authorizer) checkRules(req *contracts.SpendRequest, entry *policyEntry) *Decision {
	if len(entry.programs) == 0 {
		return nil
	}
	if !req.Amount.IsInt64() {
		return rejected(contracts.ReasonRuleViolated, "amount out of rule-evaluable range")
	}
	vars := map[string]any{
		"amount":      req.Amount.Int64(),
		"recipient":   req.Recipient,
		"cold_wallet": req.ColdWallet,
		"delegate":    entry.snapshot.Delegate,
	}
	for i, prg := range entry.programs {
		out, _, err := prg.Eval(vars)
		if err != nil {
			return rejected(contracts.ReasonRuleViolated,
				fmt.Sprintf("rule %d evaluation failed: %v", i, err))
		}
		pass, ok := out.Value().(bool)
		if !ok || !pass {
			return rejected(contracts.ReasonRuleViolated,
				fmt.Sprintf("rule %d not satisfied: %s", i, entry.snapshot.Rules[i]))
		}
	}
	return nil
}

// checkApprovals recovers each signature over the request's signing
// payload and counts distinct recognized approvers against the threshold.
func checkApprovals(req *contracts.SpendRequest, policy *contracts.PolicySnapshot) *Decision {
	if policy.RequiredSigners <= 0 {
		return nil
	}

	approvers := make(map[common.Address]bool, len(policy.ApproverKeys))
	for _, k := range policy.ApproverKeys {
		approvers[k] = true
	}

	digest := crypto.Keccak256(req.SigningPayload())
	valid := make(map[common.Address]bool)
	for _, sig := range req.Signatures {
		if len(sig) != crypto.SignatureLength {
			continue
		}
		pub, err := crypto.SigToPub(digest, sig)
		if err != nil {
			continue
		}
		addr := crypto.PubkeyToAddress(*pub)
		if approvers[addr] {
			valid[addr] = true // duplicates count once
		}
	}

	if len(valid) < policy.RequiredSigners {
		return rejected(contracts.ReasonInsufficientApprovals,
			fmt.Sprintf("%d valid approvals, need %d", len(valid), policy.RequiredSigners))
	}
	return nil
}
