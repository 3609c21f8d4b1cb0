// ============================================================================
// smart-tier Worker Pool - 並發任務執行器
// ============================================================================
//
// Package: internal/worker
// 文件: worker_pool.go
// 功能: 管理多個 Worker goroutine 的生命週期和任務分發
//
// 使用者:
//   - mover.Pool: 每個搬移任務佔用一個 Worker
//   - command.Executor: 每條命令佔用一個 Worker
//
// 架構組件:
//   ┌─────────────┐
//   │   Owner     │ --Submit()--> taskCh
//   └─────────────┘
//         ↑
//   ReceiveResult()
//         ↑
//   ┌─────────────┐
//   │   Pool      │
//   │  ┌────────┐ │
//   │  │Worker 1│←── taskCh
//   │  │Worker 2│←── taskCh   ──→ resultCh
//   │  │Worker 3│←── taskCh
//   │  └────────┘ │
//   └─────────────┘
//
// 生命週期:
//   1. NewPool() - 創建 Pool，初始化 channels
//   2. Start(n) - 啟動 n 個 Worker goroutines
//   3. Submit(task) - 提交任務到 taskCh
//   4. ReceiveResult() - 從 resultCh 讀取結果
//   5. Stop() - 關閉 stopCh，等待所有 Worker 完成，最後關閉 resultCh
//
// 並發控制:
//   - taskCh 永不關閉，Submit 與 Stop 之間沒有 send-on-closed 的競爭
//   - Worker 以阻塞方式送出結果，Owner 必須持續 ReceiveResult 直到 ErrPoolClosed
//   - inFlight: 已提交但尚未產出結果的任務數，供 Available() 計算空閒槽位
//
// ============================================================================

package worker

import (
	"errors"
	"sync"
	"sync/atomic"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrPoolClosed 表示當前 Pool 已關閉，無法提交新任務
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrPoolNotStarted 表示 Pool 尚未啟動，無法提交任務
	ErrPoolNotStarted = errors.New("worker pool not started")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Pool 代表 Worker 池，管理多個並發的 Worker
type Pool struct {
	workers  []*Worker      // Worker 列表
	taskCh   chan Task      // 任務通道
	resultCh chan Result    // 結果通道，Stop 後關閉
	stopCh   chan struct{}  // 停止訊號
	wg       sync.WaitGroup // 等待所有 Worker 完成
	inFlight atomic.Int64   // 已提交未完成的任務數
	started  bool
	stopped  bool
	mu       sync.Mutex // 保護 started 和 stopped 狀態
}

// ============================================================================
// 核心方法實作
// ============================================================================

// NewPool 建立新的 Worker Pool
// 參數：
//   - bufferSize: 任務和結果通道的緩衝大小
func NewPool(bufferSize int) *Pool {
	if bufferSize < 0 {
		bufferSize = 0
	}
	return &Pool{
		workers:  make([]*Worker, 0),
		taskCh:   make(chan Task, bufferSize),
		resultCh: make(chan Result, bufferSize),
		stopCh:   make(chan struct{}),
	}
}

// Start 啟動指定數量的 Worker
func (p *Pool) Start(workerCount int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return errors.New("pool already started") // 防止重複啟動
	}
	if workerCount <= 0 {
		return errors.New("worker count must be positive")
	}

	// Worker 產出結果前先扣減 inFlight，所以 Owner 收到結果時槽位已釋放
	results := make(chan Result)
	for i := 0; i < workerCount; i++ {
		w := newWorker(i, p.taskCh, results, p.stopCh)
		p.workers = append(p.workers, w)

		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			w.Run()
		}(w)
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	go p.forward(results, done)

	p.started = true
	return nil
}

// forward 將 Worker 的結果轉送到 resultCh，所有 Worker 退出後關閉 resultCh
func (p *Pool) forward(results <-chan Result, done <-chan struct{}) {
	defer close(p.resultCh)
	for {
		select {
		case r := <-results:
			p.inFlight.Add(-1)
			p.resultCh <- r
		case <-done:
			return
		}
	}
}

// Submit 提交任務到 Worker Pool
//
// taskCh 已滿時阻塞，直到有 Worker 取走任務或 Pool 被停止。
func (p *Pool) Submit(task Task) error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return ErrPoolNotStarted
	}
	if p.stopped {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	p.inFlight.Add(1)
	p.mu.Unlock()

	select {
	case <-p.stopCh:
		p.inFlight.Add(-1)
		return ErrPoolClosed
	default:
	}

	select {
	case p.taskCh <- task:
		return nil
	case <-p.stopCh:
		p.inFlight.Add(-1)
		return ErrPoolClosed
	}
}

// ReceiveResult 從結果通道接收執行結果
// 只有在 Stop() 之後且所有結果都被讀完，才會返回 ErrPoolClosed
func (p *Pool) ReceiveResult() (Result, error) {
	result, ok := <-p.resultCh
	if !ok {
		return Result{}, ErrPoolClosed
	}
	return result, nil
}

// Stop 優雅地關閉 Worker Pool
// 關閉流程：
//  1. 設定 stopped 標誌
//  2. 關閉 stopCh，Worker 完成當前任務後退出
//  3. 等待所有 Worker 完成；resultCh 隨後由 forward 關閉
//
// 仍在 taskCh 中排隊的任務會被丟棄。
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()

	close(p.stopCh)
	p.wg.Wait()
}

// GetWorkerCount 返回當前 Worker 數量
func (p *Pool) GetWorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// Available 返回目前空閒的 Worker 槽位數
func (p *Pool) Available() int {
	n := p.GetWorkerCount() - int(p.inFlight.Load())
	if n < 0 {
		return 0
	}
	return n
}

// InFlight 返回已提交但尚未產出結果的任務數
func (p *Pool) InFlight() int {
	return int(p.inFlight.Load())
}

// IsStarted 檢查 Pool 是否已啟動
func (p *Pool) IsStarted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}
