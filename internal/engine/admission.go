package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"

	"github.com/roach88/changesync/internal/auth"
	"github.com/roach88/changesync/internal/ir"
	"github.com/roach88/changesync/internal/scheduler"
	"github.com/roach88/changesync/internal/store"
)

// ProposedChange is a change as a client submits it.
type ProposedChange struct {
	ID        string          `json:"id"`
	ChannelID string          `json:"channel_id,omitempty"`
	UserID    string          `json:"user_id,omitempty"`
	Table     string          `json:"table"`
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// SyncRequest is a batch of proposed changes plus the revision the client
// last saw per scope. A scope_revs key equal to the caller's user id names
// their private scope; any other key is a channel id.
type SyncRequest struct {
	Changes   []ProposedChange `json:"changes"`
	ScopeRevs map[string]int64 `json:"scope_revs"`
}

// Rejection reports a change that passed validation but was not written.
type Rejection struct {
	ID    string    `json:"id"`
	Code  ErrorCode `json:"code"`
	Error string    `json:"error"`
}

// SyncResponse carries every change the client has not seen yet, its own
// included, and the newest revision per scope.
type SyncResponse struct {
	Allowed   []ir.Change      `json:"allowed"`
	ScopeRevs map[string]int64 `json:"scope_revs"`
	Rejected  []Rejection      `json:"rejected,omitempty"`
}

// WriteAuthorizer decides who may read and write which scopes.
type WriteAuthorizer interface {
	AuthorizeRead(ctx context.Context, actor string, scope ir.Scope) error
	AuthorizeWrite(ctx context.Context, actor string, scope ir.Scope, table ir.Table) error
}

// DefaultMaxBatch bounds the number of changes in one request.
const DefaultMaxBatch = 500

// Admitter is the admission endpoint's logic, independent of transport.
type Admitter struct {
	store    *store.Store
	sched    *scheduler.Scheduler
	authz    WriteAuthorizer
	maxBatch int

	// inline application
	applier  *Applier
	workerID string
}

// AdmitterOption configures an Admitter.
type AdmitterOption func(*Admitter)

// WithAuthorizer checks every touched and requested scope. Without one,
// only the private-scope ownership rule applies.
func WithAuthorizer(authz WriteAuthorizer) AdmitterOption {
	return func(a *Admitter) { a.authz = authz }
}

// WithMaxBatch sets the largest accepted batch.
func WithMaxBatch(n int) AdmitterOption {
	return func(a *Admitter) {
		if n > 0 {
			a.maxBatch = n
		}
	}
}

// WithInlineApply makes admission run freshly created apply tasks itself
// before responding. workerID must be a registered, heartbeating worker.
func WithInlineApply(applier *Applier, workerID string) AdmitterOption {
	return func(a *Admitter) {
		a.applier = applier
		a.workerID = workerID
	}
}

// NewAdmitter returns an Admitter.
func NewAdmitter(st *store.Store, sched *scheduler.Scheduler, opts ...AdmitterOption) *Admitter {
	a := &Admitter{store: st, sched: sched, maxBatch: DefaultMaxBatch}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

type pair struct {
	scope ir.Scope
	actor string
}

// Admit validates the whole batch, writes it, schedules application and
// returns everything in the touched and requested scopes newer than the
// client's watermarks. A validation or authorization failure rejects the
// batch with nothing written.
func (a *Admitter) Admit(ctx context.Context, actor string, req SyncRequest) (SyncResponse, error) {
	resp, err := a.admit(ctx, actor, req)
	switch {
	case err == nil:
		admissionBatches.WithLabelValues("ok").Inc()
	case IsClientError(err):
		admissionBatches.WithLabelValues("rejected").Inc()
	default:
		admissionBatches.WithLabelValues("error").Inc()
	}
	return resp, err
}

func (a *Admitter) admit(ctx context.Context, actor string, req SyncRequest) (SyncResponse, error) {
	if actor == "" {
		return SyncResponse{}, &SyncError{Code: CodeUnauthenticated, Message: "no actor"}
	}
	if len(req.Changes) > a.maxBatch {
		return SyncResponse{}, &SyncError{
			Code:    CodeInvalidRequest,
			Message: fmt.Sprintf("batch of %d exceeds limit %d", len(req.Changes), a.maxBatch),
		}
	}

	changes := make([]ir.Change, 0, len(req.Changes))
	for _, p := range req.Changes {
		c, err := Validate(p, actor)
		if err != nil {
			return SyncResponse{}, err
		}
		changes = append(changes, c)
	}

	requested := make([]ir.Scope, 0, len(req.ScopeRevs))
	for key := range req.ScopeRevs {
		requested = append(requested, requestedScope(key, actor))
	}
	if err := a.authorize(ctx, actor, changes, requested); err != nil {
		return SyncResponse{}, err
	}

	// Write. Records already admitted keep their original revision.
	var (
		rejected []Rejection
		own      = map[string][]ir.Change{}
		minRev   = map[string]int64{}
		touched  []pair
		seen     = map[pair]bool{}
	)
	for _, c := range changes {
		res, err := a.store.AdmitChange(ctx, c)
		if errors.Is(err, store.ErrAllocationFailed) {
			admissionChanges.WithLabelValues("rejected").Inc()
			slog.Warn("revision allocation failed", "change_id", c.ID, "scope", c.Scope().Key(), "error", err)
			rejected = append(rejected, Rejection{ID: c.ID, Code: CodeAllocationFailed, Error: err.Error()})
			continue
		}
		if err != nil {
			return SyncResponse{}, fmt.Errorf("admit: %w", err)
		}
		if res.Attempts > 1 {
			allocationRetries.Add(float64(res.Attempts - 1))
		}
		if res.Inserted {
			admissionChanges.WithLabelValues("inserted").Inc()
		} else {
			admissionChanges.WithLabelValues("duplicate").Inc()
		}
		stored := res.Change
		if !res.Inserted && (stored.Scope() != c.Scope() || stored.CreatedByID != actor) {
			// The id names someone else's record. Its scope was never
			// authorized for this caller, so none of it may leak back.
			slog.Warn("change id collides with another record",
				"change_id", c.ID, "scope", c.Scope().Key(), "actor", actor)
			rejected = append(rejected, Rejection{
				ID:    c.ID,
				Code:  CodeInvalidRequest,
				Error: fmt.Sprintf("change id %q is already used by another record", c.ID),
			})
			continue
		}
		if res.FingerprintMismatch {
			slog.Warn("re-admitted change differs from stored record; keeping stored",
				"change_id", c.ID, "scope", c.Scope().Key(), "actor", actor)
		}

		key := stored.Scope().Key()
		own[key] = append(own[key], stored)
		if m, ok := minRev[key]; !ok || stored.ServerRev < m {
			minRev[key] = stored.ServerRev
		}
		if stored.Pending() {
			p := pair{scope: stored.Scope(), actor: stored.CreatedByID}
			if !seen[p] {
				seen[p] = true
				touched = append(touched, p)
			}
		}
	}

	if err := a.schedule(ctx, touched); err != nil {
		return SyncResponse{}, err
	}

	resp, err := a.catchUp(ctx, actor, req.ScopeRevs, requested, own, minRev)
	if err != nil {
		return SyncResponse{}, err
	}
	resp.Rejected = rejected
	return resp, nil
}

// Validate turns a proposed change into a Change authored by actor.
func Validate(p ProposedChange, actor string) (ir.Change, error) {
	if p.ID == "" {
		return ir.Change{}, &SyncError{Code: CodeInvalidRequest, Message: "change id is required"}
	}
	table, err := ir.ParseTable(p.Table)
	if err != nil {
		return ir.Change{}, newSyncError(CodeInvalidTable, p.ID, err)
	}
	kind, err := ir.ParseKind(p.Kind)
	if err != nil {
		return ir.Change{}, newSyncError(CodeInvalidKind, p.ID, err)
	}
	if !ir.Supports(table, kind) {
		return ir.Change{}, newSyncError(CodeInvalidKind, p.ID,
			fmt.Errorf("%w: %s on %s", ir.ErrUnsupported, kind, table))
	}
	payload, err := ir.UnmarshalPayload(p.Payload)
	if err != nil {
		return ir.Change{}, newSyncError(CodeInvalidPayload, p.ID, err)
	}

	scope, err := deriveScope(p, table, payload, actor)
	if err != nil {
		return ir.Change{}, err
	}
	return ir.Change{
		ID:          p.ID,
		ChannelID:   scope.ChannelID,
		UserID:      scope.UserID,
		Table:       table,
		Kind:        kind,
		Payload:     payload,
		CreatedByID: actor,
	}, nil
}

// deriveScope picks the ordering domain of a change: the explicit scope if
// given, otherwise the channel the payload refers to, otherwise the author's
// private scope.
func deriveScope(p ProposedChange, table ir.Table, payload ir.IRObject, actor string) (ir.Scope, error) {
	var scope ir.Scope
	switch {
	case p.ChannelID != "" && p.UserID != "":
		return ir.Scope{}, &SyncError{
			Code:     CodeInvalidScope,
			Message:  "channel_id and user_id are mutually exclusive",
			ChangeID: p.ID,
		}
	case p.ChannelID != "":
		scope = ir.ChannelScope(p.ChannelID)
	case p.UserID != "":
		scope = ir.UserScope(p.UserID)
	case table == ir.TableChannel:
		if id, ok := payload.String("id"); ok && id != "" {
			scope = ir.ChannelScope(id)
		}
	}
	if scope == (ir.Scope{}) {
		for _, key := range []string{"channel", "channel_id"} {
			if id, ok := payload.String(key); ok && id != "" {
				scope = ir.ChannelScope(id)
				break
			}
		}
	}
	if scope == (ir.Scope{}) {
		scope = ir.UserScope(actor)
	}

	if !scope.IsChannel() && scope.UserID != actor {
		return ir.Scope{}, &SyncError{
			Code:     CodeUnauthorized,
			Message:  fmt.Sprintf("cannot write to another user's scope %s", scope.Key()),
			ChangeID: p.ID,
			Scope:    scope.Key(),
		}
	}
	if err := checkChannelRefs(p.ID, scope, table, payload); err != nil {
		return ir.Scope{}, err
	}
	return scope, nil
}

// checkChannelRefs keeps a change inside the scope it is authorized and
// ordered in. Only bookmarks live in a private scope; everything else names
// at most one channel, and it must be the scope's.
func checkChannelRefs(id string, scope ir.Scope, table ir.Table, payload ir.IRObject) error {
	if !scope.IsChannel() {
		if table == ir.TableBookmark {
			return nil
		}
		return &SyncError{
			Code:     CodeInvalidScope,
			Message:  fmt.Sprintf("%s changes belong to a channel scope, not %s", table, scope.Key()),
			ChangeID: id,
			Scope:    scope.Key(),
		}
	}

	keys := []string{"channel", "channel_id"}
	if table == ir.TableChannel {
		keys = append(keys, "id")
	}
	for _, key := range keys {
		ref, ok := payload.String(key)
		if !ok || ref == "" || ref == scope.ChannelID {
			continue
		}
		return &SyncError{
			Code:     CodeInvalidScope,
			Message:  fmt.Sprintf("payload %s %q does not match scope %s", key, ref, scope.Key()),
			ChangeID: id,
			Scope:    scope.Key(),
		}
	}
	return nil
}

func requestedScope(key, actor string) ir.Scope {
	if key == actor {
		return ir.UserScope(actor)
	}
	return ir.ChannelScope(key)
}

func responseKey(s ir.Scope) string { return s.ID() }

func (a *Admitter) authorize(ctx context.Context, actor string, changes []ir.Change, requested []ir.Scope) error {
	if a.authz == nil {
		return nil
	}
	type write struct {
		scope ir.Scope
		table ir.Table
	}
	checked := map[write]bool{}
	for _, c := range changes {
		w := write{scope: c.Scope(), table: c.Table}
		if checked[w] {
			continue
		}
		checked[w] = true
		if err := a.authz.AuthorizeWrite(ctx, actor, w.scope, w.table); err != nil {
			return authError(err, c.ID, w.scope)
		}
	}
	for _, s := range requested {
		if err := a.authz.AuthorizeRead(ctx, actor, s); err != nil {
			return authError(err, "", s)
		}
	}
	return nil
}

func authError(err error, changeID string, scope ir.Scope) error {
	code := CodeUnauthorized
	switch {
	case errors.Is(err, auth.ErrUnauthenticated):
		code = CodeUnauthenticated
	case !errors.Is(err, auth.ErrForbidden):
		// The membership lookup itself failed.
		return fmt.Errorf("authorize %s: %w", scope.Key(), err)
	}
	return &SyncError{Code: code, Message: err.Error(), ChangeID: changeID, Scope: scope.Key(), Err: err}
}

// schedule makes sure every touched pair has an apply task, running freshly
// created ones inline when configured.
func (a *Admitter) schedule(ctx context.Context, touched []pair) error {
	for _, p := range touched {
		task, created, err := a.sched.FetchOrEnqueue(ctx, p.scope, p.actor)
		if err != nil {
			return fmt.Errorf("schedule %s/%s: %w", p.scope.Key(), p.actor, err)
		}
		if !created || a.applier == nil {
			continue
		}
		claimed, err := a.sched.ClaimByID(ctx, task.ID, a.workerID)
		if errors.Is(err, store.ErrTaskNotFound) {
			// A worker got there first.
			continue
		}
		if err != nil {
			return fmt.Errorf("claim inline task: %w", err)
		}
		if err := a.applier.Execute(ctx, claimed); err != nil {
			// The records are durable; the reconciler will retry them.
			slog.Error("inline apply failed", "scope", p.scope.Key(), "actor", p.actor, "error", err)
		}
	}
	return nil
}

// catchUp collects, per scope, everything after the client's watermark.
// Scopes the client did not ask about start just before the batch's own
// lowest revision so the author sees their records and anything admitted
// in between.
func (a *Admitter) catchUp(ctx context.Context, actor string, revs map[string]int64, requested []ir.Scope, own map[string][]ir.Change, minRev map[string]int64) (SyncResponse, error) {
	watermarks := map[string]int64{}
	scopes := map[string]ir.Scope{}
	for _, s := range requested {
		scopes[s.Key()] = s
		watermarks[s.Key()] = revs[responseKey(s)]
	}
	for key, rev := range minRev {
		if _, ok := watermarks[key]; ok {
			continue
		}
		s, err := ir.ParseScopeKey(key)
		if err != nil {
			return SyncResponse{}, err
		}
		scopes[key] = s
		watermarks[key] = rev - 1
	}

	keys := make([]string, 0, len(scopes))
	for key := range scopes {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	resp := SyncResponse{Allowed: []ir.Change{}, ScopeRevs: map[string]int64{}}
	list := make([]ir.Scope, 0, len(keys))
	for _, key := range keys {
		list = append(list, scopes[key])

		since, err := a.store.ReadChangesSince(ctx, scopes[key], watermarks[key])
		if err != nil {
			return SyncResponse{}, err
		}
		included := make(map[string]bool, len(since))
		for _, c := range since {
			included[c.ID] = true
		}
		// The batch's own records are returned even when the client claims
		// a newer watermark; re-read them for their current status.
		for _, c := range own[key] {
			if included[c.ID] {
				continue
			}
			fresh, err := a.store.ReadChange(ctx, c.ID)
			if err != nil {
				return SyncResponse{}, err
			}
			since = append(since, fresh)
			included[c.ID] = true
		}
		slices.SortFunc(since, func(x, y ir.Change) int {
			switch {
			case x.ServerRev < y.ServerRev:
				return -1
			case x.ServerRev > y.ServerRev:
				return 1
			default:
				return 0
			}
		})
		resp.Allowed = append(resp.Allowed, since...)
	}

	latest, err := a.store.LatestRevs(ctx, list)
	if err != nil {
		return SyncResponse{}, err
	}
	for _, s := range list {
		resp.ScopeRevs[responseKey(s)] = latest[s.Key()]
	}
	slog.Debug("admission catch-up", "actor", actor, "scopes", len(list), "allowed", len(resp.Allowed))
	return resp, nil
}
