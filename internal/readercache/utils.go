package readercache

import (
	"github.com/tcnksm/go-latest"
)

func checkClientVersion() {
	// Prepare version check
	githubTag := &latest.GithubTag{
		Owner:             "lflare",
		Repository:        "readercache-golang",
		FixVersionStrFunc: latest.DeleteFrontV(),
	}

	// Check if client is latest
	res, err := latest.Check(githubTag, ClientVersion)
	if err != nil {
		log.Warnf("Failed to check client version %s: %v", ClientVersion, err)
		return
	}
	if res.Outdated {
		log.Warnf("Client %s is not the latest! You should update to the latest version %s", ClientVersion, res.Current)
	} else {
		log.Infof("Client %s is latest!", ClientVersion)
	}
}
