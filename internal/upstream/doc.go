// Package upstream talks to the Sonarr and Radarr instances that own the
// library. After a video is replaced the owning service is asked to rescan
// and rename it; when a file disappears the service is asked to rescan so it
// stops listing it.
//
// Videos under a configured TV root belong to Sonarr, videos under a movie
// root to Radarr. The service's own id for the series or movie is looked up
// by path on first use and stored on the video.
package upstream
