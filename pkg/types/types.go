// Package types 定義了 smart-tier 系統中使用的核心領域模型
package types

// FilePathKey 命令參數中承載目標檔案路徑的鍵
const FilePathKey = "_FILE_PATH_"

// RuleID 規則唯一識別碼
type RuleID int64

// RuleState 規則狀態
type RuleState string

// 定義規則狀態常數
const (
	RuleActive   RuleState = "ACTIVE"   // 啟用：週期性評估並產生命令
	RuleDryRun   RuleState = "DRYRUN"   // 試跑：週期性評估但不產生命令
	RuleDisabled RuleState = "DISABLED" // 停用：不再排程
	RuleFinished RuleState = "FINISHED" // 完成：超過結束時間或一次性規則已執行
	RuleDeleted  RuleState = "DELETED"  // 刪除：永久停止
)

// Valid reports whether s is one of the known rule states.
func (s RuleState) Valid() bool {
	switch s {
	case RuleActive, RuleDryRun, RuleDisabled, RuleFinished, RuleDeleted:
		return true
	}
	return false
}

// Terminal reports whether a rule in state s must no longer be scheduled.
func (s RuleState) Terminal() bool {
	return s == RuleDisabled || s == RuleFinished || s == RuleDeleted
}

// RuleInfo 規則資訊，對應 rules 資料表的一列
type RuleInfo struct {
	ID            RuleID    `json:"id"`
	Text          string    `json:"text"`
	State         RuleState `json:"state"`
	SubmitTime    int64     `json:"submit_time"`     // Unix 毫秒
	LastCheckTime int64     `json:"last_check_time"` // Unix 毫秒，0 表示尚未檢查
	NumChecked    int64     `json:"num_checked"`
	NumCmdsGen    int64     `json:"num_cmds_gen"`
}

// CommandID 命令唯一識別碼
type CommandID int64

// CommandState 命令狀態
type CommandState string

// 命令狀態只能前進：PENDING -> RUNNING -> DONE | FAILED
const (
	CommandPending CommandState = "PENDING"
	CommandRunning CommandState = "RUNNING"
	CommandDone    CommandState = "DONE"
	CommandFailed  CommandState = "FAILED"
)

// Valid reports whether s is one of the known command states.
func (s CommandState) Valid() bool {
	switch s {
	case CommandPending, CommandRunning, CommandDone, CommandFailed:
		return true
	}
	return false
}

// Finished reports whether s is DONE or FAILED.
func (s CommandState) Finished() bool {
	return s == CommandDone || s == CommandFailed
}

// CommandInfo 命令資訊，一條由規則產生、由執行器消費的持久化工作項
type CommandInfo struct {
	ID               CommandID    `json:"id"`
	RuleID           RuleID       `json:"rule_id"`
	ActionType       string       `json:"action_type"`
	State            CommandState `json:"state"`
	Parameters       string       `json:"parameters"` // JSON 物件，例如 {"_FILE_PATH_":"/foo/a"}
	GenerateTime     int64        `json:"generate_time"`
	StateChangedTime int64        `json:"state_changed_time"`
	Result           string       `json:"result,omitempty"`
	Log              string       `json:"log,omitempty"`
}

// AccessCountTable 一個時間區間內的存取次數表（或其比例縮放視圖）
type AccessCountTable struct {
	Name      string `json:"name"`
	StartTime int64  `json:"start_time"` // Unix 毫秒，含
	EndTime   int64  `json:"end_time"`   // Unix 毫秒，不含
	IsView    bool   `json:"is_view"`
}

// Duration returns the covered interval length in milliseconds.
func (t AccessCountTable) Duration() int64 {
	return t.EndTime - t.StartTime
}

// FileInfo files 資料表的一列，規則查詢的對象
type FileInfo struct {
	FileID           int64  `json:"fid"`
	Path             string `json:"path"`
	Length           int64  `json:"length"`
	Replication      int    `json:"block_replication"`
	BlockSize        int64  `json:"block_size"`
	ModificationTime int64  `json:"modification_time"`
	AccessTime       int64  `json:"access_time"`
	IsDir            bool   `json:"is_dir"`
	StoragePolicy    string `json:"storage_policy"`
}
