package types

// NoArch describes the noarch classification of a package, mirroring conda's
// legacy boolean encoding ("true" -> generic) and the newer string encoding
// ("python" | "generic").
type NoArch string

const (
	// NoArchNone means the package is platform-specific.
	NoArchNone NoArch = ""
	// NoArchGeneric means the package runs on any platform.
	NoArchGeneric NoArch = "generic"
	// NoArchPython means the package is a pure-Python package.
	NoArchPython NoArch = "python"
)

// ShardPackageRecord is one version/build of a package, as carried by a
// shard file or a monolithic repodata.json.
type ShardPackageRecord struct {
	Name        string
	Version     string
	Build       string
	BuildNumber uint64
	SHA256      *Hash
	MD5         *Hash
	Size        *uint64
	Depends     []string
	Constrains  []string
	NoArch      NoArch
}

// ShardDict groups every package record belonging to one package name, split
// by archive format.
type ShardDict struct {
	// Packages holds .tar.bz2 archives, keyed by filename.
	Packages map[string]ShardPackageRecord
	// CondaPackages holds .conda archives, keyed by filename.
	CondaPackages map[string]ShardPackageRecord
}

// NewShardDict returns an empty, ready-to-use ShardDict.
func NewShardDict() ShardDict {
	return ShardDict{
		Packages:      make(map[string]ShardPackageRecord),
		CondaPackages: make(map[string]ShardPackageRecord),
	}
}

// RepoMetadata is the "info" block shared by a shards index and an
// assembled repodata: where package archives and shards live, and the
// subdir (platform) they belong to.
type RepoMetadata struct {
	BaseURL       string
	ShardsBaseURL string
	Subdir        string
}

// ShardsIndex is the decoded contents of repodata_shards.msgpack.zst: a map
// from package name to the content hash of the shard carrying every version
// of that package.
type ShardsIndex struct {
	Info    RepoMetadata
	Version uint64
	Shards  map[string]Hash
}

// Repodata is the deterministic, assembled monolithic index handed to a
// downstream solver. RepodataVersion is always 2 for data produced by this
// package; the field exists so round-tripped wire data is preserved as-is.
type Repodata struct {
	Info            RepoMetadata
	RepodataVersion uint64
	// Packages and CondaPackages are keyed by filename: callers that need
	// the deterministic order of Shards.BuildRepodata should range over
	// PackageOrder / CondaPackageOrder rather than the map, since Go map
	// iteration order is randomized.
	Packages        map[string]ShardPackageRecord
	PackageOrder    []string
	CondaPackages   map[string]ShardPackageRecord
	CondaPackageOrder []string
}
