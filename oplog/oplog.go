package oplog

import (
	"encoding/json"
	"fmt"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"reflect"

	"strings"
)

const (
	PrimaryKey = "_id"

	// SupportedVersion is the one oplog version this engine understands. An
	// entry carrying anything else is fatal (spec.md §4.2.1 "version validation").
	SupportedVersion = 2

	OpInsert  = "i"
	OpUpdate  = "u"
	OpDelete  = "d"
	OpCommand = "c"
	OpNoop    = "n"
)

type GenericOplog struct {
	Raw    []byte
	Parsed *PartialLog
}

// OpTime is the strict total order over oplog entries: (timestamp, term).
// A zero Term means "no term" (pre-protocol-version-1 sources); comparisons
// still work since they order by Timestamp first and use Term only to break
// ties.
type OpTime struct {
	Timestamp primitive.Timestamp
	Term      int64
}

// Less reports whether ot sorts strictly before other.
func (ot OpTime) Less(other OpTime) bool {
	if ot.Timestamp.T != other.Timestamp.T {
		return ot.Timestamp.T < other.Timestamp.T
	}
	if ot.Timestamp.I != other.Timestamp.I {
		return ot.Timestamp.I < other.Timestamp.I
	}
	return ot.Term < other.Term
}

// LessOrEqual reports whether ot is not strictly greater than other.
func (ot OpTime) LessOrEqual(other OpTime) bool {
	return !other.Less(ot)
}

func (ot OpTime) IsZero() bool {
	return ot.Timestamp.T == 0 && ot.Timestamp.I == 0 && ot.Term == 0
}

type ParsedLog struct {
	Timestamp     primitive.Timestamp `bson:"ts" json:"ts"`
	HistoryId     int64               `bson:"h,omitempty" json:"h,omitempty"`
	Version       int                 `bson:"v,omitempty" json:"v,omitempty"`
	Operation     string              `bson:"op" json:"op"`
	Gid           string              `bson:"g,omitempty" json:"g,omitempty"`
	Namespace     string              `bson:"ns" json:"ns"`
	Object        bson.D              `bson:"o" json:"o"`
	Query         bson.D              `bson:"o2" json:"o2"`                                       // update condition
	UniqueIndexes bson.M              `bson:"uk,omitempty" json:"uk,omitempty"`                   //
	Lsid          bson.M              `bson:"lsid,omitempty" json:"lsid,omitempty"`               // mark the session id, used in transaction
	FromMigrate   bool                `bson:"fromMigrate,omitempty" json:"fromMigrate,omitempty"` // move chunk
	TxnNumber     int64               `bson:"txnNumber,omitempty" json:"txnNumber,omitempty"`     // transaction number in session
	DocumentKey   bson.D              `bson:"documentKey,omitempty" json:"documentKey,omitempty"` // exists when source collection is sharded, only including shard key and _id
	// Ui            bson.Binary         `bson:"ui,omitempty" json:"ui,omitempty"` // do not enable currently
}

type PartialLog struct {
	ParsedLog

	/*
	 * Every field subsequent declared is NEVER persistent or
	 * transfer on network connection. They only be parsed from
	 * respective logic
	 */
	UniqueIndexesUpdates bson.M // generate by CollisionMatrix
	RawSize              int    // generate by Decorator
	SourceId             int    // generate by Validator

	// IsForCappedCollection is set by the Partitioner (partition.Partitioner)
	// the first time it sees this op's namespace is capped. It forces the
	// Apply Worker to skip insert-grouping for this op, since capped
	// collections must preserve insertion order exactly.
	IsForCappedCollection bool
}

// GetOpTime extracts this entry's position in the oplog's total order.
func (partialLog *PartialLog) GetOpTime() OpTime {
	return OpTime{Timestamp: partialLog.Timestamp}
}

// GetIdElement returns the document _id this op targets, or nil if it
// cannot be determined (e.g. a command).
func (partialLog *PartialLog) GetIdElement() interface{} {
	switch partialLog.Operation {
	case OpInsert, OpDelete:
		return GetKey(partialLog.Object, PrimaryKey)
	case OpUpdate:
		if id := GetKey(partialLog.Query, PrimaryKey); id != nil {
			return id
		}
		return GetKey(partialLog.Object, PrimaryKey)
	default:
		return nil
	}
}

// IsCrudOpType reports whether this entry mutates a document directly,
// as opposed to running a command or being a noop.
func (partialLog *PartialLog) IsCrudOpType() bool {
	switch partialLog.Operation {
	case OpInsert, OpUpdate, OpDelete:
		return true
	default:
		return false
	}
}

// MustStandAlone reports whether this entry cannot share a batch with any
// other entry: commands, index-builds (inserts into system.indexes), and
// the drained-sentinel (empty raw, empty namespace) all apply one-at-a-time.
func (partialLog *PartialLog) MustStandAlone(raw []byte) bool {
	if len(raw) == 0 {
		return true
	}
	if partialLog.Operation == OpCommand {
		return true
	}
	if partialLog.Namespace != "" && strings.HasSuffix(partialLog.Namespace, ".system.indexes") {
		return true
	}
	return false
}

func NewPartialLog(data bson.M) *PartialLog {
	parsedLog := new(ParsedLog)
	logType := reflect.TypeOf(*parsedLog)
	for i := 0; i < logType.NumField(); i++ {
		tagNameWithOption := logType.Field(i).Tag.Get("bson")
		tagName := strings.Split(tagNameWithOption, ",")[0]
		if v, ok := data[tagName]; ok {
			field := reflect.ValueOf(parsedLog).Elem().Field(i)
			rv := reflect.ValueOf(v)
			if !rv.IsValid() {
				// a BSON null (e.g. an "o2" marshaled from a nil bson.D)
				// leaves the field at its zero value.
				continue
			}
			if rv.Type().AssignableTo(field.Type()) {
				field.Set(rv)
			} else if rv.Type().ConvertibleTo(field.Type()) {
				// bson.M decodes a BSON int32 (e.g. the oplog "v" field) as
				// Go int32, not the Version field's int; convert rather than
				// drop it.
				field.Set(rv.Convert(field.Type()))
			}
		}
	}
	return &PartialLog{
		ParsedLog: *parsedLog,
	}
}

func (partialLog *PartialLog) String() string {
	if ret, err := json.Marshal(partialLog.ParsedLog); err != nil {
		return err.Error()
	} else {
		return string(ret)
	}
}

func GetKey(log bson.D, wanted string) interface{} {
	ret, _ := GetKeyWithIndex(log, wanted)
	return ret
}

func GetKeyWithIndex(log bson.D, wanted string) (interface{}, int) {
	if wanted == "" {
		wanted = PrimaryKey
	}

	// "_id" is always the first field
	for id, ele := range log {
		if ele.Key == wanted {
			return ele.Value, id
		}
	}

	return nil, 0
}

func ConvertBsonM2D(input bson.M) bson.D {
	output := make(bson.D, 0, len(input))
	for key, val := range input {
		output = append(output, primitive.E{
			Key:   key,
			Value: val,
		})
	}
	return output
}

// Oplog from mongod(5.0) in sharding&replica
// {"ts":{"T":1653449035,"I":3},"v":2,"op":"u","ns":"test.bar",
//  "o":[{"Key":"diff","Value":[{"Key":"d","Value":[{"Key":"ok","Value":false}]},
//                              {"Key":"i","Value":[{"Key":"plus_field","Value":2}]}]}],
//  "o2":[{"Key":"_id","Value":"628da11482387c117d4e9e45"}]}

// "o" : { "$v" : 2, "diff" : { "d" : { "count" : false }, "u" : { "name" : "orange" }, "i" : { "c" : 11 } } }
func DiffUpdateOplogToNormal(diffOplog bson.D) (bson.D, error) {
	var result bson.D
	for _, ele := range diffOplog {
		if ele.Key != "diff" {
			continue
		}
		if diffValue, ok := ele.Value.(bson.D); ok {
			for _, valueEle := range diffValue {
				if valueEle.Key == "d" {
					result = append(result, primitive.E{Key: "$unset", Value: valueEle.Value})
				} else if valueEle.Key == "i" || valueEle.Key == "u" {
					result = append(result, primitive.E{Key: "$set", Value: valueEle.Value})
				} else {
					return diffOplog, fmt.Errorf("unknown diff key[%v]", valueEle)
				}
			}
		}
	}

	if len(result) > 0 {
		return result, nil
	} else {
		return diffOplog, nil
	}
}
