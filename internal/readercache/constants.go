package readercache

////
// Client settings
///

// ClientVersion is the description of the version of the working branch when compiled
var ClientVersion = "0.0.0-dev"

// ClientName is used in the user agent and log file name
const ClientName = "readercache"
