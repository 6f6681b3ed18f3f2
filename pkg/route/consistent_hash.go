package route

import (
	"hash/crc32"
	"sort"
	"strconv"

	"github.com/hanfei1991/dagsched/model"
)

const defaultVirtualNodes = 64

// consistentHashRouter maps a task id onto a ring of virtual worker nodes,
// so a task keeps its worker as long as the worker stays alive.
type consistentHashRouter struct {
	virtualNodes int
}

func newConsistentHashRouter(virtualNodes int) *consistentHashRouter {
	return &consistentHashRouter{virtualNodes: virtualNodes}
}

type ringNode struct {
	hash   uint32
	worker int
}

func (r *consistentHashRouter) Route(_ string, taskID int64, workers []model.Worker) (model.Worker, bool) {
	if len(workers) == 0 {
		return model.Worker{}, false
	}

	// the worker list changes with every heartbeat round, the ring is cheap
	// enough to rebuild per call
	ring := make([]ringNode, 0, len(workers)*r.virtualNodes)
	for i, w := range workers {
		key := w.String()
		for v := 0; v < r.virtualNodes; v++ {
			ring = append(ring, ringNode{
				hash:   crc32.ChecksumIEEE([]byte(key + "#" + strconv.Itoa(v))),
				worker: i,
			})
		}
	}
	sort.Slice(ring, func(i, j int) bool { return ring[i].hash < ring[j].hash })

	h := crc32.ChecksumIEEE([]byte(strconv.FormatInt(taskID, 10)))
	idx := sort.Search(len(ring), func(i int) bool { return ring[i].hash >= h })
	if idx == len(ring) {
		idx = 0
	}
	return workers[ring[idx].worker], true
}
