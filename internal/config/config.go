package config

import "os"

type Config struct {
	Host             string
	Port             string
	AdminKey         string
	AllowViewerPaste bool
	DBPath           string
	DataDir          string
	UploadsDir       string
	PublicDir        string
}

// Load reads configuration from the environment. An empty ADMIN_KEY leaves
// the board in open demo mode where any teacher claim is trusted.
func Load() Config {
	return Config{
		Host:             getenv("HOST", "0.0.0.0"),
		Port:             getenv("PORT", "7001"),
		AdminKey:         os.Getenv("ADMIN_KEY"),
		AllowViewerPaste: os.Getenv("ALLOW_VIEWER_PASTE") != "",
		DBPath:           getenv("BOARD_DB_PATH", "./data/board.db"),
		DataDir:          getenv("BOARD_DATA_DIR", "./data"),
		UploadsDir:       getenv("BOARD_UPLOADS_DIR", "./uploads"),
		PublicDir:        getenv("BOARD_PUBLIC_DIR", "./public"),
	}
}

func getenv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}
