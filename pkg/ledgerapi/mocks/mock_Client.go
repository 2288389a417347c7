// Package mocks provides test doubles for the ledger API client.
package mocks

import (
	"context"

	ledgerapi "github.com/sells-group/reconciler/pkg/ledgerapi"
	mock "github.com/stretchr/testify/mock"
)

// MockClient is a mock type for the Client interface.
type MockClient struct {
	mock.Mock
}

// Get provides a mock function with given fields: ctx, entity, id
func (_m *MockClient) Get(ctx context.Context, entity string, id string) (*ledgerapi.Record, error) {
	ret := _m.Called(ctx, entity, id)

	if len(ret) == 0 {
		panic("no return value specified for Get")
	}

	var r0 *ledgerapi.Record
	var r1 error
	if rf, ok := ret.Get(0).(func(context.Context, string, string) (*ledgerapi.Record, error)); ok {
		return rf(ctx, entity, id)
	}
	if rf, ok := ret.Get(0).(func(context.Context, string, string) *ledgerapi.Record); ok {
		r0 = rf(ctx, entity, id)
	} else {
		if ret.Get(0) != nil {
			r0 = ret.Get(0).(*ledgerapi.Record)
		}
	}

	if rf, ok := ret.Get(1).(func(context.Context, string, string) error); ok {
		r1 = rf(ctx, entity, id)
	} else {
		r1 = ret.Error(1)
	}

	return r0, r1
}

// List provides a mock function with given fields: ctx, entity, opts
func (_m *MockClient) List(ctx context.Context, entity string, opts ledgerapi.ListOptions) (*ledgerapi.ListResponse, error) {
	ret := _m.Called(ctx, entity, opts)

	if len(ret) == 0 {
		panic("no return value specified for List")
	}

	var r0 *ledgerapi.ListResponse
	var r1 error
	if rf, ok := ret.Get(0).(func(context.Context, string, ledgerapi.ListOptions) (*ledgerapi.ListResponse, error)); ok {
		return rf(ctx, entity, opts)
	}
	if rf, ok := ret.Get(0).(func(context.Context, string, ledgerapi.ListOptions) *ledgerapi.ListResponse); ok {
		r0 = rf(ctx, entity, opts)
	} else {
		if ret.Get(0) != nil {
			r0 = ret.Get(0).(*ledgerapi.ListResponse)
		}
	}

	if rf, ok := ret.Get(1).(func(context.Context, string, ledgerapi.ListOptions) error); ok {
		r1 = rf(ctx, entity, opts)
	} else {
		r1 = ret.Error(1)
	}

	return r0, r1
}

// NewMockClient creates a new instance of MockClient. It also registers a testing interface on the mock and a cleanup function to assert the mocks expectations.
// The first argument is typically a *testing.T value.
func NewMockClient(t interface {
	mock.TestingT
	Cleanup(func())
}) *MockClient {
	mock := &MockClient{}
	mock.Mock.Test(t)

	t.Cleanup(func() { mock.AssertExpectations(t) })

	return mock
}
