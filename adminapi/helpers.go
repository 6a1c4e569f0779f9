package adminapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/hyperraft/ledger/raft"
)

func contextWithTimeout(c *gin.Context, d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request.Context(), d)
}

func writeJSONLine(c *gin.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = c.Writer.Write(data)
	return err
}

// writeProposeError maps the raft package's error taxonomy (spec §7)
// onto HTTP status codes.
func writeProposeError(c *gin.Context, err error) {
	var notLeader *raft.NotLeaderError
	var quorumUnavailable *raft.QuorumUnavailableError
	switch {
	case asNotLeader(err, &notLeader):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error(), "leaderHint": notLeader.Hint})
	case asQuorumUnavailable(err, &quorumUnavailable):
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": err.Error()})
	case err == raft.ErrTimeout:
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func asNotLeader(err error, target **raft.NotLeaderError) bool {
	if nl, ok := err.(*raft.NotLeaderError); ok {
		*target = nl
		return true
	}
	return false
}

func asQuorumUnavailable(err error, target **raft.QuorumUnavailableError) bool {
	if qu, ok := err.(*raft.QuorumUnavailableError); ok {
		*target = qu
		return true
	}
	return false
}
