package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"kvmcontrol/kvm"
	"kvmcontrol/models"
	"kvmcontrol/service"
)

// respondError maps the error taxonomy onto HTTP statuses. An error
// carrying its own status wins over the kind mapping.
func respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch kvm.KindOf(err) {
	case kvm.KindInvalidConfiguration:
		status = http.StatusBadRequest
	case kvm.KindAuthenticationFailed:
		status = http.StatusUnauthorized
	case kvm.KindConnectionFailed, kvm.KindSignalingLost, kvm.KindTransportFailed:
		status = http.StatusBadGateway
	}
	var e *kvm.Error
	if errors.As(err, &e) && e.Status != 0 {
		status = e.Status
	}
	c.JSON(status, models.ErrorResponse(err.Error()))
}

// GetDevices returns the device catalog.
func GetDevices(c *gin.Context, dm *service.DeviceManager) {
	c.JSON(http.StatusOK, models.SuccessResponse(dm.GetAllDevices()))
}

// AddDevice registers a manually entered target.
func AddDevice(c *gin.Context, dm *service.DeviceManager) {
	var req struct {
		Host string `json:"host" binding:"required"`
		Port int    `json:"port"`
		Name string `json:"name"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse(err.Error()))
		return
	}
	if req.Port == 0 {
		req.Port = 443
	}

	device, err := dm.AddManual(req.Host, req.Port, req.Name)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.SuccessResponse(device))
}

// RemoveDevice drops a device from the catalog and storage. The device
// backing the active session cannot be removed.
func RemoveDevice(c *gin.Context, ss *service.SessionService) {
	if err := ss.RemoveDevice(c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.MessageResponse("device removed"))
}

// ForgetDevice drops a device's stored credentials but keeps the entry.
// The device backing the active session cannot be forgotten.
func ForgetDevice(c *gin.Context, ss *service.SessionService) {
	if err := ss.ForgetDevice(c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.MessageResponse("credentials forgotten"))
}

// ScanDevices sweeps the local subnets and merges the findings. Other
// attached UI clients get a device_list nudge to refetch.
func ScanDevices(c *gin.Context, dm *service.DeviceManager, disc *service.Discovery, hub *WebSocketHub) {
	found, err := disc.Scan(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	dm.MergeDiscovered(found)
	hub.PublishEvent(models.SessionEvent{Type: "device_list"})
	c.JSON(http.StatusOK, models.SuccessResponse(dm.GetAllDevices()))
}

// GetSession reports the current session state.
func GetSession(c *gin.Context, ss *service.SessionService) {
	state, deviceID := ss.State()
	c.JSON(http.StatusOK, models.SuccessResponse(gin.H{
		"state":     state,
		"device_id": deviceID,
	}))
}

// ConnectSession brings up a session against a device.
func ConnectSession(c *gin.Context, ss *service.SessionService) {
	var req struct {
		DeviceID string `json:"device_id" binding:"required"`
		User     string `json:"user"`
		Password string `json:"password"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse(err.Error()))
		return
	}

	if err := ss.Connect(c.Request.Context(), req.DeviceID, req.User, req.Password); err != nil {
		respondError(c, err)
		return
	}
	state, deviceID := ss.State()
	c.JSON(http.StatusOK, models.SuccessResponse(gin.H{
		"state":     state,
		"device_id": deviceID,
	}))
}

// DisconnectSession tears the active session down.
func DisconnectSession(c *gin.Context, ss *service.SessionService) {
	ss.Disconnect()
	c.JSON(http.StatusOK, models.MessageResponse("disconnected"))
}

// ReconnectSession restarts the session against the same device.
func ReconnectSession(c *gin.Context, ss *service.SessionService) {
	if err := ss.Reconnect(c.Request.Context()); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.MessageResponse("reconnecting"))
}

// DispatchAction enqueues one appliance action.
func DispatchAction(c *gin.Context, ad *service.ActionDispatcher) {
	var req models.ActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse(err.Error()))
		return
	}

	action, err := ad.Dispatch(req.Action)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.SuccessResponse(action))
}

// applianceClient fetches the authenticated control-plane client or
// fails the request when no session is up.
func applianceClient(c *gin.Context, ss *service.SessionService) *kvm.Client {
	client := ss.Client()
	if client == nil {
		c.JSON(http.StatusConflict, models.ErrorResponse("no active session"))
	}
	return client
}

// GetStreamerState passes the capture pipeline state through.
func GetStreamerState(c *gin.Context, ss *service.SessionService) {
	client := applianceClient(c, ss)
	if client == nil {
		return
	}
	st, err := client.GetStreamerState(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.SuccessResponse(st))
}

// GetATXState passes the target power state through.
func GetATXState(c *gin.Context, ss *service.SessionService) {
	client := applianceClient(c, ss)
	if client == nil {
		return
	}
	st, err := client.GetATXState(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.SuccessResponse(st))
}

// GetMSDState passes the mass-storage state through.
func GetMSDState(c *gin.Context, ss *service.SessionService) {
	client := applianceClient(c, ss)
	if client == nil {
		return
	}
	st, err := client.GetMSDState(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.SuccessResponse(st))
}

// GetEDID passes the current EDID blob through.
func GetEDID(c *gin.Context, ss *service.SessionService) {
	client := applianceClient(c, ss)
	if client == nil {
		return
	}
	edid, err := client.GetEDID(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.SuccessResponse(gin.H{"edid": edid}))
}

// GetSystemConfig passes the appliance configuration through.
func GetSystemConfig(c *gin.Context, ss *service.SessionService) {
	client := applianceClient(c, ss)
	if client == nil {
		return
	}
	cfg, err := client.GetSystemConfig(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.SuccessResponse(cfg))
}

// SetSystemConfig passes a configuration update through.
func SetSystemConfig(c *gin.Context, ss *service.SessionService) {
	client := applianceClient(c, ss)
	if client == nil {
		return
	}
	var cfg map[string]interface{}
	if err := c.ShouldBindJSON(&cfg); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse(err.Error()))
		return
	}
	if err := client.SetSystemConfig(c.Request.Context(), cfg); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.MessageResponse("configuration updated"))
}
