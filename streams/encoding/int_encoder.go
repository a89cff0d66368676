package encoding

import (
	"fmt"
	"reflect"
	"strconv"

	"github.com/gmbyapa/krill/pkg/errors"
)

type IntEncoder struct{}

func (i IntEncoder) Encode(data interface{}) ([]byte, error) {
	if v, ok := data.(int); ok {
		return []byte(fmt.Sprint(v)), nil
	}

	return nil, errors.Errorf(`incorrect type expected (int) have (%s)`, reflect.TypeOf(data))
}

func (i IntEncoder) Decode(data []byte) (interface{}, error) {
	v, err := strconv.Atoi(string(data))
	if err != nil {
		return nil, errors.Wrap(err, `invalid integer`)
	}

	return v, nil
}
