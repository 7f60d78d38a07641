package hastate

import (
	"github.com/gin-contrib/requestid"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// newAPIRouters will return the api router
func (n *Node) newAPIRouters() *gin.Engine {
	gin.DisableConsoleColor()
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(requestid.New())
	router.Use(gin.Recovery())

	v1 := router.Group("/api/v1")
	{
		v1.GET("/state", n.fetchState)
		v1.GET("/consistency", n.fetchConsistency)
		v1.POST("/startup/allow", n.allowStartup)

		v1.GET("/voters", n.fetchVoters)
		v1.POST("/voters/:id", n.registerVoter)
		v1.PUT("/voters/:id/heartbeat", n.heartbeatVoter)
		v1.PUT("/voters/:id/vote/:term", n.voteVoter)
		v1.PUT("/voters/:id/veto", n.vetoVoter)
		v1.DELETE("/voters/:id", n.deregisterVoter)
	}

	gatherer := prometheus.DefaultGatherer
	if g, ok := n.options.Registerer.(prometheus.Gatherer); ok {
		gatherer = g
	}
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	return router
}
