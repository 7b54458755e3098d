package client

import (
	"github.com/caretrack/go-chatclient/internal/types"
	"github.com/stretchr/testify/mock"
)

// MockConnectionManager is a testify mock of ConnectionManager. The
// state and payload streams are real buffered channels so tests can
// feed the coordinator's run loop directly.
type MockConnectionManager struct {
	mock.Mock
	states   chan types.ConnectionState
	incoming chan *ServerPayload
}

func NewMockConnectionManager() *MockConnectionManager {
	return &MockConnectionManager{
		states:   make(chan types.ConnectionState, 16),
		incoming: make(chan *ServerPayload, 256),
	}
}

func (m *MockConnectionManager) OpenSessionIfNecessary() error {
	args := m.Called()
	return args.Error(0)
}

func (m *MockConnectionManager) CloseExistingSession(purgeTokenData bool) {
	m.Called(purgeTokenData)
}

func (m *MockConnectionManager) Send(cmd *ClientCommand) error {
	args := m.Called(cmd)
	return args.Error(0)
}

func (m *MockConnectionManager) States() <-chan types.ConnectionState { return m.states }

func (m *MockConnectionManager) Incoming() <-chan *ServerPayload { return m.incoming }

func (m *MockConnectionManager) EmitState(state types.ConnectionState) {
	m.states <- state
}

func (m *MockConnectionManager) EmitPayload(payload *ServerPayload) {
	m.incoming <- payload
}
