// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package iscsi_target

import "fmt"

// TaskFunction is the function code of a Task Management Function request.
type TaskFunction byte

const taskFunctionMask byte = 0x7f

const (
	TaskAbortTask TaskFunction = iota + 1
	TaskAbortTaskSet
	TaskClearAca
	TaskClearTaskSet
	TaskLogicalUnitReset
	TaskTargetWarmReset
	TaskTargetColdReset
	TaskReassign
)

var taskFunctionNames = map[TaskFunction]string{
	TaskAbortTask:        "ABORT TASK",
	TaskAbortTaskSet:     "ABORT TASK SET",
	TaskClearAca:         "CLEAR ACA",
	TaskClearTaskSet:     "CLEAR TASK SET",
	TaskLogicalUnitReset: "LOGICAL UNIT RESET",
	TaskTargetWarmReset:  "TARGET WARM RESET",
	TaskTargetColdReset:  "TARGET COLD RESET",
	TaskReassign:         "TASK REASSIGN",
}

func (function TaskFunction) String() string {
	if name, ok := taskFunctionNames[function]; ok {
		return name
	}
	return fmt.Sprintf("function 0x%02x", byte(function))
}

// TaskResponse goes to byte 2 of a Task Management Function response.
type TaskResponse byte

const (
	TaskRspComplete     TaskResponse = 0x00
	TaskRspNoTask       TaskResponse = 0x01
	TaskRspNotSupported TaskResponse = 0x05
	TaskRspRejected     TaskResponse = 0xff
)
