package config

import (
	"flag"
	"os"
	"time"

	"github.com/dmitrijs2005/filevault/internal/flagx"
)

var serverFlags = []string{
	"-a", "-r", "-d", "-s", "-t", "-v", "-m", "-k", "-i", "-l", "-h", "-o", "-f",
	"-u", "-p", "-b", "-g", "-e",
}

// parseFlags populates selected server Config fields from command-line flags.
//
// Supported flags (short forms):
//
//	-a string   HTTP bind address (e.g., ":8080")
//	-r string   gRPC health bind address (e.g., ":50051")
//	-d string   PostgreSQL DSN
//	-s string   JWT HMAC secret key
//	-t int      access token validity, minutes
//	-v string   storage root (absolute)
//	-m string   master key passphrase
//	-k string   key context
//	-i int      worker interval, seconds
//	-l string   login URL
//	-h string   public base URL for download links
//	-o bool     strict auth order (use -o=true)
//	-f int      failed source retention, hours (0 keeps forever)
//	-u string   S3 root user
//	-p string   S3 root password
//	-b string   S3 bucket name (empty disables replication)
//	-g string   S3 region
//	-e string   S3 base endpoint (e.g., "http://127.0.0.1:9000/")
//
// The function first filters os.Args to only the flags it recognizes using
// flagx.FilterArgs, avoiding collisions with other components.
func parseFlags(config *Config) {
	args := flagx.FilterArgs(os.Args[1:], serverFlags)

	fs := flag.NewFlagSet("main", flag.ContinueOnError)

	fs.StringVar(&config.EndpointAddrHTTP, "a", config.EndpointAddrHTTP, "HTTP address and port")
	fs.StringVar(&config.EndpointAddrGRPC, "r", config.EndpointAddrGRPC, "gRPC health address and port")
	fs.StringVar(&config.DatabaseDSN, "d", config.DatabaseDSN, "database DSN")
	fs.StringVar(&config.SecretKey, "s", config.SecretKey, "secret key")

	accessTokenValidityDuration := fs.Int("t", int(config.AccessTokenValidityDuration.Minutes()), "access_token_validity_duration (in minutes)")

	fs.StringVar(&config.StorageRoot, "v", config.StorageRoot, "storage root")
	fs.StringVar(&config.MasterKey, "m", config.MasterKey, "master key passphrase")
	fs.StringVar(&config.KeyContext, "k", config.KeyContext, "key context")

	workerInterval := fs.Int("i", int(config.WorkerInterval.Seconds()), "worker interval (in seconds)")

	fs.StringVar(&config.LoginURL, "l", config.LoginURL, "login URL")
	fs.StringVar(&config.PublicBaseURL, "h", config.PublicBaseURL, "public base URL")
	fs.BoolVar(&config.StrictAuthOrder, "o", config.StrictAuthOrder, "authenticate before revealing status")

	failedSourceRetention := fs.Int("f", int(config.FailedSourceRetention.Hours()), "failed source retention (in hours)")

	fs.StringVar(&config.S3RootUser, "u", config.S3RootUser, "S3 root user")
	fs.StringVar(&config.S3RootPassword, "p", config.S3RootPassword, "S3 root password")
	fs.StringVar(&config.S3Bucket, "b", config.S3Bucket, "S3 root bucket")
	fs.StringVar(&config.S3Region, "g", config.S3Region, "S3 root region")
	fs.StringVar(&config.S3BaseEndpoint, "e", config.S3BaseEndpoint, "S3 base endpoint")

	if err := fs.Parse(args); err != nil {
		panic(err)
	}

	config.AccessTokenValidityDuration = time.Duration(*accessTokenValidityDuration) * time.Minute
	config.WorkerInterval = time.Duration(*workerInterval) * time.Second
	config.FailedSourceRetention = time.Duration(*failedSourceRetention) * time.Hour
}
