// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package iscsi_target

import (
	"bytes"
	"fmt"
	"iscsitarget/pkg/logger"
)

// PadSize is the alignment unit of every PDU segment.
const PadSize = 4

func pad4(length int) int {
	return ((length + PadSize - 1) &^ (PadSize - 1)) - length
}

// bugOn reports a broken engine invariant. It never returns when the
// condition holds.
func bugOn(condition bool, format string, args ...interface{}) {
	if !condition {
		return
	}
	message := fmt.Sprintf(format, args...)
	logger.GetLogger().Errorf("BUG: %s", message)
	panic("iscsi_target: " + message)
}

// serialBefore compares sequence numbers with RFC 1982 arithmetic.
func serialBefore(first, second uint32) bool {
	return int32(first-second) < 0
}

// ParseIscsiKeyValue parses the NUL separated key=value text of login and
// text PDUs.
func ParseIscsiKeyValue(data []byte) map[string]string {
	result := make(map[string]string)
	for _, pair := range bytes.Split(data, []byte{0}) {
		key, value, found := bytes.Cut(pair, []byte("="))
		if !found || len(key) == 0 {
			continue
		}
		result[string(key)] = string(value)
	}
	return result
}

type KeyValue struct {
	key   string
	value string
}

// KeyValueList keeps the order in which keys were answered.
type KeyValueList struct {
	list []KeyValue
}

func newKeyValueList() *KeyValueList {
	return &KeyValueList{list: []KeyValue{}}
}

func (kVList *KeyValueList) add(key, value string) {
	kVList.list = append(kVList.list, KeyValue{key: key, value: value})
}

func (kVList *KeyValueList) Length() int {
	return len(kVList.list)
}

func UnparseIscsiKeyValue(kv *KeyValueList) []byte {
	var result []byte
	for _, keyValue := range kv.list {
		result = append(result, keyValue.key...)
		result = append(result, '=')
		result = append(result, keyValue.value...)
		result = append(result, 0)
	}
	return result
}

func stringArrayContains(array []string, line string) bool {
	for _, lineInArray := range array {
		if lineInArray == line {
			return true
		}
	}
	return false
}
