package models

import (
	"fmt"
	"math"
)

// RecordFields is the number of scalars per particle in the flat exchange
// layout [Rx,Ry,Rz, Nx,Ny,Nz, cap, len, minusID, plusID].
const RecordFields = 10

// Record is one particle in the exchange layout. Ids index into the record
// list; -1 means no connection.
type Record struct {
	Pos     [3]float64
	Dir     [3]float64
	Cap     float64
	Len     float64
	MinusID int
	PlusID  int
}

// Flatten appends the record's scalars in exchange order.
func (r Record) Flatten(dst []float64) []float64 {
	return append(dst,
		r.Pos[0], r.Pos[1], r.Pos[2],
		r.Dir[0], r.Dir[1], r.Dir[2],
		r.Cap, r.Len,
		float64(r.MinusID), float64(r.PlusID),
	)
}

// FlattenRecords converts a record list into the flat exchange layout.
func FlattenRecords(records []Record) []float64 {
	out := make([]float64, 0, len(records)*RecordFields)
	for _, r := range records {
		out = r.Flatten(out)
	}
	return out
}

// RecordsFromFlat parses the flat exchange layout. The data length must be a
// multiple of RecordFields and ids must be integral.
func RecordsFromFlat(data []float64) ([]Record, error) {
	if len(data)%RecordFields != 0 {
		return nil, fmt.Errorf("particle data length %d is not a multiple of %d", len(data), RecordFields)
	}

	records := make([]Record, len(data)/RecordFields)
	for i := range records {
		f := data[i*RecordFields : (i+1)*RecordFields]
		minus, err := recordID(f[8])
		if err != nil {
			return nil, fmt.Errorf("particle %d minus link: %w", i, err)
		}
		plus, err := recordID(f[9])
		if err != nil {
			return nil, fmt.Errorf("particle %d plus link: %w", i, err)
		}
		records[i] = Record{
			Pos:     [3]float64{f[0], f[1], f[2]},
			Dir:     [3]float64{f[3], f[4], f[5]},
			Cap:     f[6],
			Len:     f[7],
			MinusID: minus,
			PlusID:  plus,
		}
	}
	return records, nil
}

func recordID(v float64) (int, error) {
	if v != math.Trunc(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("non-integral id %v", v)
	}
	if v < -1 {
		return 0, fmt.Errorf("invalid id %v", v)
	}
	return int(v), nil
}
