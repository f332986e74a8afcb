package ami

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync/atomic"
	"time"
)

// idGenerator генерирует клиентские корреляционные идентификаторы вызовов.
//
// Формат: call_<unix>_<seq>_<node>. Временная метка и счётчик дают
// уникальность в пределах процесса, узловой суффикс из crypto/rand -
// между одновременно запущенными клиентами.
type idGenerator struct {
	node string
	seq  atomic.Uint64
}

func newIDGenerator() *idGenerator {
	nodeID := make([]byte, 2)
	if _, err := rand.Read(nodeID); err != nil {
		// Fallback на временную метку при недоступности crypto/rand
		ts := time.Now().UnixNano()
		nodeID[0] = byte(ts)
		nodeID[1] = byte(ts >> 8)
	}
	return &idGenerator{node: hex.EncodeToString(nodeID)}
}

// nextCallID возвращает следующий уникальный callID
func (g *idGenerator) nextCallID() string {
	return fmt.Sprintf("call_%d_%d_%s", time.Now().Unix(), g.seq.Add(1), g.node)
}
