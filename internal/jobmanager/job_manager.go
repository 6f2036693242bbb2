// ============================================================================
// chainfusion-scheduler 任務登錄表 - Job Registry
// ============================================================================
//
// Package: internal/jobmanager
// 文件: job_manager.go
// 功能: 保存 job_id → 排程參數，並回答「下一個該執行的任務」
//
// 設計理念:
//   採用混合式設計：
//   1. index map - JobID → heap 中的項目，作為單一真實來源
//   2. min-heap  - 依排程參數排序，Earliest() 為 O(1)，Upsert/Remove 為 O(log n)
//   3. 每次修改都同步更新 heap，不快取任何跨修改的最小值
//
// 並列最小值 (tie-break):
//   排程參數相同時，數值較小的 JobID 優先。呼叫端不應依賴此順序做業務判斷，
//   但它是確定性的，方便測試與除錯。
//
// 並發:
//   JobManager 本身不加鎖，由 internal/state.Container 的範圍保護。
//
// 快照支持:
//   - Snapshot() - 複製目前所有 job_id → 參數
//   - Restore()  - 以快照內容整體取代
//
// ============================================================================

package jobmanager

import (
	"container/heap"
	"sort"

	"github.com/ChuLiYu/chainfusion-scheduler/pkg/types"
)

// entry heap 中的一個項目
type entry struct {
	id    types.JobID
	param uint64
	pos   int // 在 heap 中的位置，由 heap.Interface 維護
}

// jobHeap 依 (param, id) 排序的最小堆
type jobHeap []*entry

func (h jobHeap) Len() int { return len(h) }

func (h jobHeap) Less(i, j int) bool {
	if h[i].param != h[j].param {
		return h[i].param < h[j].param
	}
	return h[i].id.Cmp(h[j].id) < 0
}

func (h jobHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].pos = i
	h[j].pos = j
}

func (h *jobHeap) Push(x any) {
	e := x.(*entry)
	e.pos = len(*h)
	*h = append(*h, e)
}

func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.pos = -1
	*h = old[:n-1]
	return e
}

// JobManager 任務登錄表
type JobManager struct {
	index map[types.JobID]*entry
	heap  jobHeap
}

// NewJobManager 建立空的任務登錄表
func NewJobManager() *JobManager {
	return &JobManager{
		index: make(map[types.JobID]*entry),
		heap:  make(jobHeap, 0),
	}
}

// Upsert 新增或覆寫任務的排程參數
//
// 同一個 job_id 再次寫入會取代舊值，不會產生第二筆。永遠成功。
func (jm *JobManager) Upsert(id types.JobID, param uint64) {
	if e, ok := jm.index[id]; ok {
		e.param = param
		heap.Fix(&jm.heap, e.pos)
		return
	}
	e := &entry{id: id, param: param}
	jm.index[id] = e
	heap.Push(&jm.heap, e)
}

// Remove 移除任務並回傳先前的參數；不存在時回傳 false（不是錯誤）
func (jm *JobManager) Remove(id types.JobID) (uint64, bool) {
	e, ok := jm.index[id]
	if !ok {
		return 0, false
	}
	heap.Remove(&jm.heap, e.pos)
	delete(jm.index, id)
	return e.param, true
}

// Earliest 回傳排程參數最小的任務；登錄表為空時回傳 false
func (jm *JobManager) Earliest() (types.Job, bool) {
	if len(jm.heap) == 0 {
		return types.Job{}, false
	}
	e := jm.heap[0]
	return types.Job{ID: e.id, Param: e.param}, true
}

// Get 查詢單一任務
func (jm *JobManager) Get(id types.JobID) (uint64, bool) {
	e, ok := jm.index[id]
	if !ok {
		return 0, false
	}
	return e.param, true
}

// Len 任務數量
func (jm *JobManager) Len() int {
	return len(jm.index)
}

// Jobs 依 (param, id) 排序的任務列表副本
func (jm *JobManager) Jobs() []types.Job {
	jobs := make([]types.Job, 0, len(jm.index))
	for _, e := range jm.index {
		jobs = append(jobs, types.Job{ID: e.id, Param: e.param})
	}
	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].Param != jobs[j].Param {
			return jobs[i].Param < jobs[j].Param
		}
		return jobs[i].ID.Cmp(jobs[j].ID) < 0
	})
	return jobs
}

// ============================================================================
// 快照與恢復相關方法
// ============================================================================

// Snapshot 複製目前所有任務
func (jm *JobManager) Snapshot() map[types.JobID]uint64 {
	out := make(map[types.JobID]uint64, len(jm.index))
	for id, e := range jm.index {
		out[id] = e.param
	}
	return out
}

// Restore 以快照內容取代整個登錄表
func (jm *JobManager) Restore(jobs map[types.JobID]uint64) {
	jm.index = make(map[types.JobID]*entry, len(jobs))
	jm.heap = make(jobHeap, 0, len(jobs))
	for id, param := range jobs {
		e := &entry{id: id, param: param, pos: len(jm.heap)}
		jm.index[id] = e
		jm.heap = append(jm.heap, e)
	}
	heap.Init(&jm.heap)
}

// Stats 統計資訊
func (jm *JobManager) Stats() map[string]int {
	return map[string]int{
		"jobs": len(jm.index),
	}
}
