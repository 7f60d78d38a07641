package hastate

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// fetchVoters will return the snapshot of the external voters
func (n *Node) fetchVoters(c *gin.Context) {
	c.JSON(http.StatusOK, n.voter.Snapshot())
}

// registerVoter will register the voter and return the current term
func (n *Node) registerVoter(c *gin.Context) {
	term := n.voter.RegisterVoter(c.Params.ByName("id"))
	if term == InvalidVoter {
		c.JSON(http.StatusConflict, gin.H{"error": ErrVoterRejected.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"term": term})
}

// heartbeatVoter will refresh the voter and return the term being voted, if any
func (n *Node) heartbeatVoter(c *gin.Context) {
	term := n.voter.Heartbeat(c.Params.ByName("id"))
	if term == InvalidVoter {
		c.JSON(http.StatusNotFound, gin.H{"error": ErrUnknownVoter.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"term": term})
}

// voteVoter will record the vote of the voter for the provided term
func (n *Node) voteVoter(c *gin.Context) {
	term, err := strconv.ParseInt(c.Params.ByName("term"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	response := n.voter.Vote(c.Params.ByName("id"), term)
	if response == InvalidVoter {
		c.JSON(http.StatusNotFound, gin.H{"error": ErrUnknownVoter.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"term": response})
}

// vetoVoter will grant every vote of the election in progress
func (n *Node) vetoVoter(c *gin.Context) {
	if !n.voter.VetoVote(c.Params.ByName("id")) {
		c.JSON(http.StatusConflict, gin.H{"error": ErrVoterRejected.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "OK"})
}

// deregisterVoter will remove the voter
func (n *Node) deregisterVoter(c *gin.Context) {
	if !n.voter.DeregisterVoter(c.Params.ByName("id")) {
		c.JSON(http.StatusNotFound, gin.H{"error": ErrUnknownVoter.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "OK"})
}
