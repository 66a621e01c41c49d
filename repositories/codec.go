package repositories

import (
	"agency-crm/contract"
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// encodeRecord stores a row as a protobuf Struct so that any JSON
// compatible column survives a round trip.
func encodeRecord(record contract.Record) ([]byte, error) {
	s, err := structpb.NewStruct(record)
	if err != nil {
		return nil, fmt.Errorf("unsupported column value: %w", err)
	}
	return proto.Marshal(s)
}

// DecodeRecord reads a row value back into a Record.
func DecodeRecord(data []byte) (contract.Record, error) {
	var s structpb.Struct
	if err := proto.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	return s.AsMap(), nil
}
