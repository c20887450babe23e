package id

import (
	"sync"

	"github.com/bwmarrin/snowflake"
)

var (
	node *snowflake.Node
	mu   sync.Mutex
)

// Init initializes the Snowflake node with the given node ID.
// Calling Init again replaces the node, which lets each process pick its own ID.
func Init(nodeID int64) error {
	n, err := snowflake.NewNode(nodeID)
	if err != nil {
		return err
	}
	mu.Lock()
	node = n
	mu.Unlock()
	return nil
}

// New generates a new globally unique ID using the Snowflake algorithm.
// IDs are time-ordered and unique across distributed instances as long as
// every instance runs with a distinct node ID. Falls back to node 1 when
// Init was never called.
func New() string {
	return current().Generate().String()
}

func current() *snowflake.Node {
	mu.Lock()
	defer mu.Unlock()
	if node == nil {
		// node 1 is always in range, so the error is impossible
		node, _ = snowflake.NewNode(1)
	}
	return node
}
