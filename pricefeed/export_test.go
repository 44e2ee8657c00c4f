package pricefeed

const SubscriberBacklog = subscriberBacklog
