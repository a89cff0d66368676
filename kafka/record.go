package kafka

import (
	"bytes"
	"context"
	"fmt"
	"time"
)

// Record is a single message fetched from a kafka partition. Implementations
// are provided by the client adaptors and by the mocks package.
type Record interface {
	Ctx() context.Context
	Key() []byte
	Value() []byte
	Topic() string
	Partition() int32
	Offset() int64
	Timestamp() time.Time
	Headers() RecordHeaders
	String() string
}

// RecordHeader stores key and value for a record header.
type RecordHeader struct {
	Key   []byte
	Value []byte
}

// RecordHeaders are list of key:value pairs.
type RecordHeaders []RecordHeader

// Read returns a RecordHeader by its name or nil if not exist
func (h RecordHeaders) Read(key []byte) []byte {
	for _, header := range h {
		if bytes.Equal(header.Key, key) {
			return header.Value
		}
	}

	return nil
}

// OffsetAndMetadata is the value committed for a TopicPartition. Offset is the
// offset of the next record the application expects to consume.
type OffsetAndMetadata struct {
	Offset   int64
	Metadata string
}

func (om OffsetAndMetadata) String() string {
	if om.Metadata == `` {
		return fmt.Sprint(om.Offset)
	}

	return fmt.Sprintf(`%d(%s)`, om.Offset, om.Metadata)
}
