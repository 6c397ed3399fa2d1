package types

import "time"

// Record is the persisted row. It is owned by the sink; the aggregator
// never reads records back.
type Record struct {
	ID        int64     `msgpack:"id" json:"id"`
	Payload   string    `msgpack:"payload" json:"payload"`
	CreatedAt time.Time `msgpack:"created_at" json:"created_at"`
}
