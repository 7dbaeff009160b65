package admin

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func listRoutes(routes Routes) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"routes": routes.Snapshot()})
	}
}

func getRoute(routes Routes) gin.HandlerFunc {
	return func(c *gin.Context) {
		snap, ok := routes.SnapshotRoute(c.Param("name"))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "route_not_found",
				"message": "no route named " + c.Param("name"),
			})
			return
		}
		c.JSON(http.StatusOK, snap)
	}
}
