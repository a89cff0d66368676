package kafka

type PartitionConf struct {
	Id    int32
	Error error
}

type Topic struct {
	Name              string
	Partitions        []PartitionConf
	Error             error
	NumPartitions     int32
	ReplicationFactor int16
	ConfigEntries     map[string]string
}
