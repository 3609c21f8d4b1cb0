package translator

import "time"

// Forever 表示規則沒有結束時間
const Forever int64 = -1

// DefaultInterval 未指定 trigger 時的檢查週期
const DefaultInterval = 5 * time.Second

// Schedule 規則的時間排程
type Schedule struct {
	StartTime int64         // Unix 毫秒，第一次檢查不早於此時間
	EndTime   int64         // Unix 毫秒，Forever 表示不結束
	Every     time.Duration // 檢查週期；OneShot 時為 0
	OneShot   bool          // 只檢查一次
}

// IsForever reports whether the schedule has no end time.
func (s Schedule) IsForever() bool {
	return s.EndTime == Forever
}

// Expired reports whether now (Unix ms) is past the end time.
func (s Schedule) Expired(now int64) bool {
	return !s.IsForever() && now > s.EndTime
}

// Call is the parameter group of one $@function(name) placeholder.
type Call struct {
	Function    string        // 函數名稱，例如 genVirtualAccessCountTable
	Table       string        // 產生的表名，可含 $ruleId
	Interval    time.Duration // 回看區間
	CountFilter string        // 可選，例如 "> 3"
}

// TranslateResult is the compiled, immutable form of one rule.
//
// Statements run in order; the one at RetIndex returns the matching file
// paths. Statements may contain $variable and $@function(group)
// placeholders; "$$" stands for a literal dollar sign.
type TranslateResult struct {
	Statements   []string
	RetIndex     int
	ActionType   string
	ActionParams map[string]string
	Schedule     Schedule
	Calls        map[string]Call
}

// Call returns the parameter group registered under name.
func (r *TranslateResult) Call(name string) (Call, bool) {
	c, ok := r.Calls[name]
	return c, ok
}

// Params returns a copy of the action parameters.
func (r *TranslateResult) Params() map[string]string {
	out := make(map[string]string, len(r.ActionParams))
	for k, v := range r.ActionParams {
		out[k] = v
	}
	return out
}
