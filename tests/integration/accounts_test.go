package integration

import (
	"errors"
	"time"

	"github.com/gamedock/gamedock/internal/client"
	"github.com/gamedock/gamedock/internal/protocol"
)

func (s *ControlPlaneSuite) TestRegisterLoginLogout() {
	c := s.dial()

	s.Require().NoError(c.RegisterPlayer("alice", "pw"))
	s.Len(c.Token(), 32)

	// Duplicate registration over a second connection is a conflict.
	c2 := s.dial()
	err := c2.RegisterPlayer("alice", "other")
	var serr *client.ServerError
	s.Require().ErrorAs(err, &serr)
	s.Equal(protocol.CodeConflict, serr.Code)
	s.Equal("username exists", serr.Message)

	// Logging in while the first session is alive is a duplicate login.
	err = c2.LoginPlayer("alice", "pw")
	s.Require().ErrorAs(err, &serr)
	s.Equal(protocol.CodeAuth, serr.Code)
	s.Equal("duplicate login", serr.Message)

	s.Require().NoError(c.Logout())
	s.Require().NoError(c2.LoginPlayer("alice", "pw"))
}

func (s *ControlPlaneSuite) TestBadCredentialsAndUnknownType() {
	c := s.dial()
	err := c.LoginPlayer("ghost", "pw")
	var serr *client.ServerError
	s.Require().ErrorAs(err, &serr)
	s.Equal(protocol.CodeAuth, serr.Code)
	s.Equal("bad credentials", serr.Message)

	_, err = c.Do("WIZARD.CAST", nil)
	s.Require().ErrorAs(err, &serr)
	s.Equal(protocol.CodeUnknownType, serr.Code)
}

func (s *ControlPlaneSuite) TestSameNameBothRoles() {
	p := s.dial()
	d := s.dial()
	s.Require().NoError(p.RegisterPlayer("sam", "pw"))
	s.Require().NoError(d.RegisterDeveloper("sam", "pw"))

	// Both sessions are visible, filtered by role.
	resp, err := p.Do(protocol.UserList, map[string]string{"role": "developer"})
	s.Require().NoError(err)
	var out struct {
		Users []string `json:"users"`
	}
	s.Require().NoError(resp.DecodePayload(&out))
	s.Equal([]string{"sam"}, out.Users)
}

func (s *ControlPlaneSuite) TestDisconnectFreesSession() {
	c := s.dial()
	s.Require().NoError(c.RegisterPlayer("drops", "pw"))
	c.Close()

	// The server-side teardown logs the user out; a fresh login succeeds.
	c2 := s.dial()
	s.Require().Eventually(func() bool {
		err := c2.LoginPlayer("drops", "pw")
		if err == nil {
			return true
		}
		var serr *client.ServerError
		return !errors.As(err, &serr) || serr.Message != "duplicate login"
	}, 5*time.Second, 50*time.Millisecond, "session should be released after disconnect")
}
