package api

import (
	"github.com/gin-gonic/gin"

	"github.com/charlesng35/activator/internal/handlers"
)

func registerUserRoutes(api *gin.RouterGroup, activation *handlers.ActivationHandler, registration *handlers.RegistrationHandler) {
	users := api.Group("/users")
	{
		users.POST("", registration.Register)
		users.GET("/activate_account/:token", activation.Activate)
		users.POST("/resend_activation_account/:email", registration.Resend)
	}
}
