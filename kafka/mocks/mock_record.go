package mocks

import (
	"context"
	"fmt"
	"time"

	"github.com/gmbyapa/krill/kafka"
)

type MockRecord struct {
	Ktx        context.Context
	Kkey       []byte
	Kvalue     []byte
	Ktopic     string
	Kpartition int32
	Koffset    int64
	Ktimestamp time.Time
	Kheaders   kafka.RecordHeaders
}

func (r *MockRecord) Ctx() context.Context {
	if r.Ktx == nil {
		return context.Background()
	}
	return r.Ktx
}

func (r *MockRecord) Key() []byte { return r.Kkey }

func (r *MockRecord) Value() []byte { return r.Kvalue }

func (r *MockRecord) Topic() string { return r.Ktopic }

func (r *MockRecord) Partition() int32 { return r.Kpartition }

func (r *MockRecord) Offset() int64 { return r.Koffset }

func (r *MockRecord) Timestamp() time.Time { return r.Ktimestamp }

func (r *MockRecord) Headers() kafka.RecordHeaders { return r.Kheaders }

func (r *MockRecord) String() string {
	return fmt.Sprintf(`%s[%d]@%d`, r.Ktopic, r.Kpartition, r.Koffset)
}
