package access

import (
	"context"
	"errors"
	"testing"

	"github.com/JrmLg/hermes-back/internal/database"
	"github.com/JrmLg/hermes-back/internal/testutil"
	"github.com/JrmLg/hermes-back/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

func TestCanAccess(t *testing.T) {
	storeErr := errors.New("connection refused")

	tcases := []struct {
		name      string
		room      types.Room
		userId    int
		setupMock func(*database.MockRepository)
		expected  bool
		expectErr bool
	}{
		{
			name:   "team member",
			room:   types.Room{Type: types.RoomTypeTeam, Id: 4},
			userId: 1,
			setupMock: func(m *database.MockRepository) {
				m.On("IsTeamMember", mock.Anything, 1, 4).Return(true, nil)
			},
			expected: true,
		},
		{
			name:   "not a team member",
			room:   types.Room{Type: types.RoomTypeTeam, Id: 4},
			userId: 1,
			setupMock: func(m *database.MockRepository) {
				m.On("IsTeamMember", mock.Anything, 1, 4).Return(false, nil)
			},
			expected: false,
		},
		{
			name:   "private room participant",
			room:   types.Room{Type: types.RoomTypePrivate, Id: 9},
			userId: 2,
			setupMock: func(m *database.MockRepository) {
				m.On("IsPrivateRoomMember", mock.Anything, 2, 9).Return(true, nil)
			},
			expected: true,
		},
		{
			name:   "private room outsider",
			room:   types.Room{Type: types.RoomTypePrivate, Id: 9},
			userId: 3,
			setupMock: func(m *database.MockRepository) {
				m.On("IsPrivateRoomMember", mock.Anything, 3, 9).Return(false, nil)
			},
			expected: false,
		},
		{
			name:   "care user of the channel's patient",
			room:   types.Room{Type: types.RoomTypeChannel, Id: 12},
			userId: 1,
			setupMock: func(m *database.MockRepository) {
				m.On("IsChannelMember", mock.Anything, 1, 12).Return(true, nil)
			},
			expected: true,
		},
		{
			name:   "store failure",
			room:   types.Room{Type: types.RoomTypeChannel, Id: 12},
			userId: 1,
			setupMock: func(m *database.MockRepository) {
				m.On("IsChannelMember", mock.Anything, 1, 12).Return(false, storeErr)
			},
			expected:  false,
			expectErr: true,
		},
		{
			name:      "unknown room type",
			room:      types.Room{Type: "lobby", Id: 1},
			userId:    1,
			setupMock: func(m *database.MockRepository) {},
			expected:  false,
			expectErr: true,
		},
		{
			name:      "non positive room id",
			room:      types.Room{Type: types.RoomTypeTeam, Id: 0},
			userId:    1,
			setupMock: func(m *database.MockRepository) {},
			expected:  false,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			mockRepo := new(database.MockRepository)
			tc.setupMock(mockRepo)

			a := NewAuthorizer(mockRepo, testutil.TestLogger(t))
			ok, err := a.CanAccess(context.Background(), tc.userId, tc.room)

			if tc.expectErr {
				assert.Error(t, err, "expected an error")
			} else {
				assert.NoError(t, err, "expected no error")
			}
			assert.Equal(t, tc.expected, ok)
			mockRepo.AssertExpectations(t)
		})
	}
}

func TestCanAccess_PropagatesStoreError(t *testing.T) {
	storeErr := errors.New("timeout")
	mockRepo := new(database.MockRepository)
	mockRepo.On("IsTeamMember", mock.Anything, 1, 2).Return(false, storeErr)

	a := NewAuthorizer(mockRepo, testutil.TestLogger(t))
	_, err := a.CanAccess(context.Background(), 1, types.Room{Type: types.RoomTypeTeam, Id: 2})
	assert.ErrorIs(t, err, storeErr)
}
