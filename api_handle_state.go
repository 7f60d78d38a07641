package hastate

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// fetchState will return the state map of the state manager
func (n *Node) fetchState(c *gin.Context) {
	stateMgr := n.StateManager()
	if stateMgr == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": ErrShutdown.Error()})
		return
	}
	state := stateMgr.StateMap()
	state["id"] = n.id.String()
	c.JSON(http.StatusOK, state)
}

// fetchConsistency will return the voting state of the consistency manager
func (n *Node) fetchConsistency(c *gin.Context) {
	c.JSON(http.StatusOK, consistencyStateMap(n.consistency))
}

// allowStartup lifts the safe startup suspension
func (n *Node) allowStartup(c *gin.Context) {
	if err := n.AllowStartup(); err != nil {
		c.JSON(http.StatusPreconditionFailed, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "OK"})
}
