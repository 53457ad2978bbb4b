package voting

import (
	"github.com/stretchr/testify/mock"

	"github.com/eigerco/approval-voting/internal/session"
)

type signerMock struct {
	mock.Mock
}

func (s *signerMock) Sign(v session.ValidatorIndex, payload []byte) ([]byte, error) {
	args := s.MethodCalled("Sign", v, payload)
	sig, _ := args.Get(0).([]byte)
	return sig, args.Error(1)
}
