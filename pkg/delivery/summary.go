package delivery

import "github.com/rmacdonaldsmith/topicmesh-go/pkg/rc"

// Summary reports the outcome of one publish.
type Summary struct {
	// Code is the informational code. It stays rc.OK unless the publisher
	// asked for informational codes.
	Code rc.Code

	Subscribers int
	Remotes     int
	Delivered   int
	Skipped     int
	Rejected    int
}

// Candidates is the number of recipients the message was offered to.
func (s Summary) Candidates() int {
	return s.Subscribers + s.Remotes
}
