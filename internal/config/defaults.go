package config

const (
	defaultDataDir               = "~/.local/share/reencoder"
	defaultLogDir                = "~/.local/share/reencoder/logs"
	defaultWorkDir               = "~/.local/share/reencoder/work"
	defaultAPIBind               = "127.0.0.1:7488"
	defaultLogFormat             = "console"
	defaultLogLevel              = "info"
	defaultAbAv1Binary           = "ab-av1"
	defaultMediainfoBinary       = "mediainfo"
	defaultFFprobeBinary         = "ffprobe"
	defaultAnalysisBatchSize     = 5
	defaultAnalysisBatchWaitMS   = 250
	defaultAnalysisRate          = 20
	defaultAnalysisBurst         = 10
	defaultSearchRate            = 1
	defaultSearchBurst           = 1
	defaultTarget                = 95
	defaultMinCRF                = 8
	defaultMaxCRF                = 40
	defaultMinSeasonSamples      = 3
	defaultConfidenceMultiplier  = 2
	defaultMinRangeWidth         = 4
	defaultRetryBudget           = 2
	defaultRetryPreset           = 6
	defaultTargetStep            = 2
	defaultMaxPredictedSizeGB    = 10
	defaultAttemptTimeoutMinutes = 360
	defaultEncodeTimeoutHours    = 24
	defaultMinWorkers            = 2
	defaultMaxWorkers            = 16
	defaultBaseTimeoutSeconds    = 120
	defaultLowMemoryMB           = 2048
	defaultMediumMemoryMB        = 4096
	defaultConcurrencyRefresh    = 30
	defaultCacheMaxEntries       = 1000
	defaultCacheTTLSeconds       = 3600
	defaultCacheSweepSeconds     = 300
	defaultUpstreamTimeout       = 15
	defaultPollAttempts          = 30
	defaultPollIntervalSeconds   = 2
	defaultBusBackend            = "memory"
	defaultChannelPrefix         = "reencoder"
	defaultNotifyTimeout         = 10
	defaultPollIntervalWorkflow  = 60
)

var defaultExtensions = []string{".mkv", ".mp4", ".m4v", ".avi", ".mov", ".ts"}

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			DataDir: defaultDataDir,
			LogDir:  defaultLogDir,
			WorkDir: defaultWorkDir,
			APIBind: defaultAPIBind,
		},
		Library: Library{
			Extensions: append([]string(nil), defaultExtensions...),
			Watch:      true,
		},
		Tools: Tools{
			AbAv1:     defaultAbAv1Binary,
			Mediainfo: defaultMediainfoBinary,
			FFprobe:   defaultFFprobeBinary,
		},
		Analysis: Analysis{
			Dispatch: Dispatch{
				BatchSize:     defaultAnalysisBatchSize,
				BatchWaitMS:   defaultAnalysisBatchWaitMS,
				RatePerSecond: defaultAnalysisRate,
				Burst:         defaultAnalysisBurst,
			},
		},
		CRFSearch: CRFSearch{
			Dispatch: Dispatch{
				BatchSize:     1,
				RatePerSecond: defaultSearchRate,
				Burst:         defaultSearchBurst,
			},
			DefaultTarget:         defaultTarget,
			MinCRF:                defaultMinCRF,
			MaxCRF:                defaultMaxCRF,
			MinSeasonSamples:      defaultMinSeasonSamples,
			ConfidenceMultiplier:  defaultConfidenceMultiplier,
			MinRangeWidth:         defaultMinRangeWidth,
			RetryBudget:           defaultRetryBudget,
			RetryPreset:           defaultRetryPreset,
			TargetStep:            defaultTargetStep,
			MaxPredictedSizeGB:    defaultMaxPredictedSizeGB,
			AttemptTimeoutMinutes: defaultAttemptTimeoutMinutes,
		},
		Encode: Encode{
			Dispatch: Dispatch{
				BatchSize:     1,
				RatePerSecond: defaultSearchRate,
				Burst:         defaultSearchBurst,
			},
			TimeoutHours: defaultEncodeTimeoutHours,
			VerifyOutput: true,
		},
		Concurrency: Concurrency{
			MinWorkers:         defaultMinWorkers,
			MaxWorkers:         defaultMaxWorkers,
			BaseTimeoutSeconds: defaultBaseTimeoutSeconds,
			LowMemoryMB:        defaultLowMemoryMB,
			MediumMemoryMB:     defaultMediumMemoryMB,
			RefreshSeconds:     defaultConcurrencyRefresh,
		},
		MetadataCache: MetadataCache{
			MaxEntries:   defaultCacheMaxEntries,
			TTLSeconds:   defaultCacheTTLSeconds,
			SweepSeconds: defaultCacheSweepSeconds,
		},
		Sonarr: Upstream{
			RequestTimeout:      defaultUpstreamTimeout,
			PollAttempts:        defaultPollAttempts,
			PollIntervalSeconds: defaultPollIntervalSeconds,
		},
		Radarr: Upstream{
			RequestTimeout:      defaultUpstreamTimeout,
			PollAttempts:        defaultPollAttempts,
			PollIntervalSeconds: defaultPollIntervalSeconds,
		},
		Bus: Bus{
			Backend:       defaultBusBackend,
			ChannelPrefix: defaultChannelPrefix,
		},
		Notifications: Notifications{
			RequestTimeout: defaultNotifyTimeout,
			Encoded:        true,
			Failures:       true,
		},
		Workflow: Workflow{
			PollIntervalSeconds: defaultPollIntervalWorkflow,
			AutoStart:           true,
			ScanOnStart:         true,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
