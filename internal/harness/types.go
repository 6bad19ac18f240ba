package harness

// TraceEvent is one observable outcome of a scenario step.
type TraceEvent struct {
	Step int    `json:"step"`
	Type string `json:"type"` // sync, drain, reconcile or broadcast

	// sync
	Actor     string           `json:"actor,omitempty"`
	Parallel  bool             `json:"parallel,omitempty"`
	Allowed   []string         `json:"allowed,omitempty"`
	ScopeRevs map[string]int64 `json:"scope_revs,omitempty"`
	Error     string           `json:"error,omitempty"`

	// drain
	Tasks int `json:"tasks,omitempty"`

	// reconcile
	Released   int      `json:"released,omitempty"`
	Requeued   int      `json:"requeued,omitempty"`
	FlagsReset []string `json:"flags_reset,omitempty"`

	// broadcast
	Topic  string `json:"topic,omitempty"`
	Change string `json:"change,omitempty"`
	Status string `json:"status,omitempty"`
}

// Delivery is a message the broadcaster published.
type Delivery struct {
	Topic    string
	ChangeID string
	Status   string
	Rev      int64
}

// Result is the outcome of a scenario run.
type Result struct {
	// Pass is true when every expect clause and assertion held.
	Pass bool `json:"pass"`

	Trace  []TraceEvent `json:"trace"`
	Errors []string     `json:"errors,omitempty"`

	// Deliveries lists broadcasts in publish order.
	Deliveries []Delivery `json:"-"`
}

// NewResult creates a passing result.
func NewResult() *Result {
	return &Result{Pass: true, Trace: []TraceEvent{}, Errors: []string{}}
}

// AddError records a failure.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

func (r *Result) add(e TraceEvent) {
	r.Trace = append(r.Trace, e)
}
