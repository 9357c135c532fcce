package ledger

// ListOptions 控制策略查询的过滤条件。
type ListOptions struct {
	Owner    string
	Statuses []Status
	Limit    int
}

// applyDefaults 清洗查询参数并填入默认值。
func (opts *ListOptions) applyDefaults() {
	if opts.Limit <= 0 {
		opts.Limit = 20
	}
	if opts.Limit > 100 {
		opts.Limit = 100
	}
}

// ListOption 修改 ListOptions。
type ListOption func(*ListOptions)

// WithOwner 只返回指定属主的策略。
func WithOwner(owner string) ListOption {
	return func(opts *ListOptions) {
		opts.Owner = owner
	}
}

// WithStatuses 只返回处于指定阶段的策略。
func WithStatuses(statuses ...Status) ListOption {
	return func(opts *ListOptions) {
		opts.Statuses = statuses
	}
}

// WithLimit 限制返回数量。
func WithLimit(limit int) ListOption {
	return func(opts *ListOptions) {
		opts.Limit = limit
	}
}

func buildListOptions(opts []ListOption) ListOptions {
	options := ListOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	options.applyDefaults()
	return options
}

func matchesListFilters(s *Strategy, opts ListOptions) bool {
	if opts.Owner != "" && s.Owner != opts.Owner {
		return false
	}
	if len(opts.Statuses) > 0 {
		matched := false
		for _, status := range opts.Statuses {
			if s.Status() == status {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	return true
}

// Stats 聚合了账本的整体状态，常用于仪表盘或健康检查。
type Stats struct {
	Positions       int   `json:"positions"`
	TotalAvailable  int64 `json:"total_available"`
	TotalDeposited  int64 `json:"total_deposited"`
	Strategies      int   `json:"strategies"`
	Proposed        int   `json:"proposed"`
	Approved        int   `json:"approved"`
	Executed        int   `json:"executed"`
	ExecutedVolume  int64 `json:"executed_volume"`
	NewestUpdatedAt int64 `json:"newest_updated_at,omitempty"`
}
