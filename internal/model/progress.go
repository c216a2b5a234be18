package model

// TotalSteps is the progress length of a job whose chain has chainLen steps.
func TotalSteps(chainLen int) int {
	return FixedOverheadSteps + chainLen
}

// Progress counts milestones of one processing attempt. The counter only
// moves forward and never passes Total.
type Progress struct {
	current int
	total   int
}

// NewProgress starts a counter at current out of total.
func NewProgress(current, total int) *Progress {
	if current < 0 {
		current = 0
	}
	if current > total {
		current = total
	}

	return &Progress{current: current, total: total}
}

// Advance moves the counter one milestone forward and returns the new value.
func (p *Progress) Advance() int {
	if p.current < p.total {
		p.current++
	}
	return p.current
}

// Current returns the current milestone.
func (p *Progress) Current() int { return p.current }

// Total returns the milestone count of a complete run.
func (p *Progress) Total() int { return p.total }
