package provider

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/shopspring/decimal"
)

const nanoExp = -9

// Int64 decodes an int64 sent either as a JSON number or, as the protobuf
// JSON mapping does, as a JSON string.
type Int64 int64

func (i *Int64) UnmarshalJSON(data []byte) error {
	data = bytes.Trim(data, `"`)
	if len(data) == 0 || string(data) == "null" {
		*i = 0
		return nil
	}
	v, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid int64 %q: %w", data, err)
	}
	*i = Int64(v)
	return nil
}

func (i Int64) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(strconv.FormatInt(int64(i), 10))), nil
}

// Quotation is the provider's fixed-point money encoding: integer units plus
// a nano (1e-9) fraction. Both parts carry the same sign.
type Quotation struct {
	Units Int64 `json:"units"`
	Nano  int32 `json:"nano"`
}

// Decimal converts the quotation losslessly
func (q Quotation) Decimal() decimal.Decimal {
	return decimal.NewFromInt(int64(q.Units)).Add(decimal.New(int64(q.Nano), nanoExp))
}

var _ json.Unmarshaler = (*Int64)(nil)
