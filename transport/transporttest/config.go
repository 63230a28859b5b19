// Package transporttest provides helpers shared by backend tests.
package transporttest

// Config is a plain-field implementation of transport.Config.
type Config struct {
	ParticipantID      string
	SegmentPath        string
	UDPListenAddress   string
	UDPPeers           []string
	UDPMulticastGroup  string
	KafkaBrokers       []string
	KafkaConsumerGroup string
	RabbitMQURL        string
	NATSURL            string
	HTTPServerAddress  string
	HTTPPublisherURL   string
	AWSRegion          string
	AWSAccountID       string
	AWSAccessKeyID     string
	AWSSecretAccessKey string
	AWSEndpoint        string
}

func (c *Config) GetParticipantID() string      { return c.ParticipantID }
func (c *Config) GetSegmentPath() string        { return c.SegmentPath }
func (c *Config) GetUDPListenAddress() string   { return c.UDPListenAddress }
func (c *Config) GetUDPPeers() []string         { return c.UDPPeers }
func (c *Config) GetUDPMulticastGroup() string  { return c.UDPMulticastGroup }
func (c *Config) GetKafkaBrokers() []string     { return c.KafkaBrokers }
func (c *Config) GetKafkaConsumerGroup() string { return c.KafkaConsumerGroup }
func (c *Config) GetRabbitMQURL() string        { return c.RabbitMQURL }
func (c *Config) GetNATSURL() string            { return c.NATSURL }
func (c *Config) GetHTTPServerAddress() string  { return c.HTTPServerAddress }
func (c *Config) GetHTTPPublisherURL() string   { return c.HTTPPublisherURL }
func (c *Config) GetAWSRegion() string          { return c.AWSRegion }
func (c *Config) GetAWSAccountID() string       { return c.AWSAccountID }
func (c *Config) GetAWSAccessKeyID() string     { return c.AWSAccessKeyID }
func (c *Config) GetAWSSecretAccessKey() string { return c.AWSSecretAccessKey }
func (c *Config) GetAWSEndpoint() string        { return c.AWSEndpoint }
