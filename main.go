package main

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/gin-gonic/gin"

	"kvmcontrol/api"
	"kvmcontrol/config"
	"kvmcontrol/service"
)

// setupLogging creates a timestamped log file and mirrors output to it.
// Returns the log file handle (caller should defer Close()).
func setupLogging() (*os.File, error) {
	logDir := "log"
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	timestamp := time.Now().Format("2006-01-02_15-04-05")
	logPath := filepath.Join(logDir, timestamp+".log")

	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	multiWriter := io.MultiWriter(os.Stdout, logFile)
	log.SetOutput(multiWriter)
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)

	log.Printf("📝 Logging to: %s", logPath)
	return logFile, nil
}

func main() {
	logFile, err := setupLogging()
	if err != nil {
		log.Printf("Warning: Failed to setup file logging: %v", err)
	} else {
		defer logFile.Close()
	}

	log.Println("Starting KVM Control Backend...")

	db, err := config.InitDatabase()
	if err != nil {
		log.Printf("Warning: running without persistence: %v", err)
	}

	deviceManager := service.NewDeviceManager(db)
	if err := deviceManager.LoadPersisted(); err != nil {
		log.Printf("Warning: failed to load saved devices: %v", err)
	}

	wsHub := api.NewWebSocketHub()
	go wsHub.Run()

	sessionService := service.NewSessionService(deviceManager, wsHub)
	wsHub.SetSession(sessionService)

	actionDispatcher := service.NewActionDispatcher(sessionService)
	discovery := service.NewDiscovery()

	router := gin.Default()
	api.SetupRoutes(router, deviceManager, sessionService, actionDispatcher, discovery, wsHub)

	log.Println("Server starting on http://localhost:8080")
	log.Println("WebSocket server on ws://localhost:8080/ws")

	if err := router.Run(":8080"); err != nil {
		log.Fatal("Failed to start server:", err)
	}
}
