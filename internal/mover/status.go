package mover

import (
	"sync"
	"time"
)

// Status 是單個搬移任務的進度紀錄
// 由執行中的 Worker 寫入，任何呼叫者都可以並發讀取
type Status struct {
	mu sync.Mutex

	id            string
	finished      bool
	succeeded     bool
	startTime     time.Time
	totalDuration time.Duration
	totalBlocks   int64 // 副本數累計（block × replication）
	totalSize     int64 // 位元組累計（length × replication）
	movedBlocks   int64
}

func newStatus(id string) *Status {
	s := &Status{id: id}
	s.reset()
	return s
}

// reset 回到初始狀態，Restart 時沿用同一個 Status
func (s *Status) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finished = false
	s.succeeded = false
	s.startTime = time.Now()
	s.totalDuration = 0
	s.totalBlocks = 0
	s.totalSize = 0
	s.movedBlocks = 0
}

// ID returns the task id.
func (s *Status) ID() string {
	return s.id // immutable
}

// IsFinished reports whether the task ran to completion or faulted.
// A stopped task is not finished.
func (s *Status) IsFinished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finished
}

// Succeeded reports whether every replica reached its target medium.
func (s *Status) Succeeded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.succeeded
}

func (s *Status) StartTime() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startTime
}

// RunningTime 未結束時返回目前已執行時間，結束或停止後返回總耗時
func (s *Status) RunningTime() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runningTimeLocked()
}

func (s *Status) runningTimeLocked() time.Duration {
	if s.totalDuration != 0 {
		return s.totalDuration
	}
	return time.Since(s.startTime)
}

func (s *Status) TotalBlocks() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalBlocks
}

func (s *Status) TotalSize() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalSize
}

func (s *Status) MovedBlocks() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.movedBlocks
}

// Percentage 返回 [0,1] 的完成比例
// 只有 finished 且 succeeded 時才為 1；計數已滿但尚未結束時固定回報 0.99
func (s *Status) Percentage() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.percentageLocked()
}

func (s *Status) percentageLocked() float64 {
	if s.finished && s.succeeded {
		return 1
	}
	if s.totalBlocks == 0 {
		return 0
	}
	if s.movedBlocks >= s.totalBlocks {
		return 0.99
	}
	return 0.99 * float64(s.movedBlocks) / float64(s.totalBlocks)
}

func (s *Status) setTotals(blocks, size int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.totalBlocks = blocks
	s.totalSize = size
}

func (s *Status) addMoved(n int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.movedBlocks += n
}

// complete 設定終態：succeeded 或 fault，兩者都是 finished
func (s *Status) complete(succeeded bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.totalDuration = time.Since(s.startTime)
	s.succeeded = succeeded
	s.finished = true
}

// stopped 標記任務被取消：succeeded=false, finished=false
func (s *Status) stopped() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.totalDuration = time.Since(s.startTime)
	s.succeeded = false
	s.finished = false
}

// Snapshot is a consistent copy of a Status.
type Snapshot struct {
	ID          string        `json:"id"`
	Path        string        `json:"path"`
	Running     bool          `json:"running"`
	Finished    bool          `json:"finished"`
	Succeeded   bool          `json:"succeeded"`
	StartTime   time.Time     `json:"start_time"`
	RunningTime time.Duration `json:"running_time"`
	TotalBlocks int64         `json:"total_blocks"`
	TotalSize   int64         `json:"total_size"`
	MovedBlocks int64         `json:"moved_blocks"`
	Percentage  float64       `json:"percentage"`
}

// Snapshot 在同一把鎖下讀取所有欄位
func (s *Status) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		ID:          s.id,
		Finished:    s.finished,
		Succeeded:   s.succeeded,
		StartTime:   s.startTime,
		RunningTime: s.runningTimeLocked(),
		TotalBlocks: s.totalBlocks,
		TotalSize:   s.totalSize,
		MovedBlocks: s.movedBlocks,
		Percentage:  s.percentageLocked(),
	}
}
