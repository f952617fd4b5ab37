// Copyright 2021-2022 The cfgpoll Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package common

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

func TestTaskParamProcessing(t *testing.T) {
	assert := assert.New(t)

	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	uut, err := GetNewTaskProcessorInstance(ctxt, "testing", 4)
	assert.Nil(err)
	defer func() {
		assert.Nil(uut.StopEventLoop())
	}()

	// Case 0: invalid buffer
	_, err = GetNewTaskProcessorInstance(ctxt, "testing", 0)
	assert.NotNil(err)

	// Case 1: no executor map
	assert.NotNil(uut.ProcessNewTaskParam("hello"))

	type testStruct1 struct{}
	type testStruct2 struct{}
	type testStruct3 struct{}

	// Case 2: define a executor map
	{
		assert.Nil(uut.SetTaskExecutionMap(map[reflect.Type]TaskHandler{
			reflect.TypeOf(testStruct1{}): func(p interface{}) error { return nil },
		}))
		assert.Nil(uut.ProcessNewTaskParam(testStruct1{}))
		assert.NotNil(uut.ProcessNewTaskParam(testStruct2{}))
		assert.NotNil(uut.ProcessNewTaskParam(&testStruct3{}))
	}

	// Case 3: change executor map
	{
		assert.Nil(uut.SetTaskExecutionMap(map[reflect.Type]TaskHandler{
			reflect.TypeOf(testStruct1{}): func(p interface{}) error { return nil },
			reflect.TypeOf(testStruct3{}): func(p interface{}) error { return fmt.Errorf("dummy error") },
		}))
		assert.Nil(uut.ProcessNewTaskParam(testStruct1{}))
		assert.NotNil(uut.ProcessNewTaskParam(&testStruct2{}))
		assert.NotNil(uut.ProcessNewTaskParam(testStruct3{}))
	}

	// Case 4: append to existing map
	{
		assert.Nil(uut.AddToTaskExecutionMap(
			reflect.TypeOf(&testStruct2{}), func(p interface{}) error { return nil },
		))
		assert.Nil(uut.ProcessNewTaskParam(testStruct1{}))
		assert.Nil(uut.ProcessNewTaskParam(&testStruct2{}))
		assert.NotNil(uut.ProcessNewTaskParam(testStruct3{}))
	}

	// Case 5: a panicking handler is reported as an error
	{
		assert.Nil(uut.AddToTaskExecutionMap(
			reflect.TypeOf(""), func(p interface{}) error { panic(p) },
		))
		assert.NotNil(uut.ProcessNewTaskParam("boom"))
	}
}

func TestTaskProcessorEventLoop(t *testing.T) {
	assert := assert.New(t)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	uut, err := GetNewTaskProcessorInstance(ctxt, "testing", 2)
	assert.Nil(err)

	processed := make(chan int, 10)
	assert.Nil(uut.AddToTaskExecutionMap(reflect.TypeOf(0), func(p interface{}) error {
		processed <- p.(int)
		return nil
	}))
	assert.Nil(uut.StartEventLoop(&wg))

	// Case 0: tasks are processed in order
	for itr := 0; itr < 5; itr++ {
		useContext, useCancel := context.WithTimeout(ctxt, time.Second)
		assert.Nil(uut.Submit(itr, useContext))
		useCancel()
	}
	for itr := 0; itr < 5; itr++ {
		select {
		case v := <-processed:
			assert.Equal(itr, v)
		case <-time.After(time.Second):
			assert.FailNow("task not processed")
		}
	}

	// Case 1: submit after stop
	assert.Nil(uut.StopEventLoop())
	useContext, useCancel := context.WithTimeout(ctxt, time.Millisecond*100)
	defer useCancel()
	// Buffer may still accept, so keep submitting until refused
	refused := false
	for itr := 0; itr < 5 && !refused; itr++ {
		refused = uut.Submit(itr, useContext) != nil
	}
	assert.True(refused)
}

func TestTaskDemuxProcessing(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Case 0: no workers
	_, err := GetNewTaskDemuxProcessorInstance(ctxt, "testing", 4, 0)
	assert.NotNil(err)

	uut, err := GetNewTaskDemuxProcessorInstance(ctxt, "testing", 4, 3)
	assert.Nil(err)
	defer func() {
		assert.Nil(uut.StopEventLoop())
	}()

	type testStruct1 struct{}

	// Every call waits until three are in flight together, so the tasks must be
	// spread over the three workers
	barrier := sync.WaitGroup{}
	barrier.Add(3)
	finished := make(chan struct{}, 3)
	assert.Nil(uut.SetTaskExecutionMap(map[reflect.Type]TaskHandler{
		reflect.TypeOf(testStruct1{}): func(p interface{}) error {
			barrier.Done()
			barrier.Wait()
			finished <- struct{}{}
			return nil
		},
	}))
	assert.Nil(uut.StartEventLoop(&wg))

	for itr := 0; itr < 3; itr++ {
		useContext, useCancel := context.WithTimeout(ctxt, time.Second)
		assert.Nil(uut.Submit(testStruct1{}, useContext))
		useCancel()
	}
	for itr := 0; itr < 3; itr++ {
		select {
		case <-finished:
		case <-time.After(time.Second * 2):
			assert.FailNow("tasks not processed in parallel")
		}
	}
}
